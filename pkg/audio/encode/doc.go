// ABOUTME: Audio encoder package for encoding capture audio to the wire format
// ABOUTME: Provides Encoder interface, PCM implementation and a block framer
// Package encode provides capture-side audio encoders.
//
// Supports: 16-bit signed little-endian PCM
//
// Encoders accept float32 samples in [-1, 1]; out-of-range input is clamped,
// never wrapped. Blocker groups samples into fixed-size blocks (4096 frames
// for the relay wire) and emits each block as soon as it is complete.
//
// Example:
//
//	encoder, err := encode.NewPCM(audio.InputFormat)
//	blocker, err := encode.NewBlocker(encoder, audio.BlockFrames)
//	err = blocker.Write(samples, func(c audio.Chunk) { send(c.Bytes()) })
package encode
