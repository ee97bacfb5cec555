// ABOUTME: Audio output package for playing audio
// ABOUTME: Provides the playback clock, a software mixer and device backends
// Package output provides audio playback.
//
// Mixer implements Context: buffers are started at absolute times on a
// clock that advances as the device pulls audio, so back-to-back buffers
// join without gaps. Oto and Malgo drain the mixer into the sound card.
//
// Example:
//
//	mixer := output.NewMixer(audio.OutputFormat)
//	dev, err := output.NewDevice("oto")
//	err = dev.Open(mixer, 24000, 1)
//	src, err := mixer.Start(buf, mixer.Now())
package output
