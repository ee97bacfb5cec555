// ABOUTME: Audio decoder package for playback chunks and capture files
// ABOUTME: Provides Decoder and Stream interfaces with PCM, FLAC and MP3 implementations
// Package decode provides audio decoders.
//
// Decoder turns 16-bit PCM wire chunks into float32 buffers for playback.
// A chunk that is empty or not a whole number of frames is rejected and
// nothing is produced for it.
//
// Stream reads MP3 or FLAC files as looping float32 sources, used to feed
// recorded speech into a session in place of a microphone.
//
// Example:
//
//	decoder, err := decode.NewPCM(audio.OutputFormat)
//	buf, err := decoder.Decode(chunk.Bytes())
package decode
