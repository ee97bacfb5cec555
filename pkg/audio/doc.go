// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format, Chunk and Buffer types and sample conversion functions
// Package audio provides the audio types shared by the capture, relay and
// playback paths.
//
// This package defines:
//   - Format: Describes a PCM stream (encoding, sample rate, channels, bit depth)
//   - Chunk: An immutable block of encoded bytes crossing a stream boundary
//   - Buffer: Decoded float32 audio ready for playback
//
// The wire encoding in both directions is 16-bit signed little-endian PCM:
// 16 kHz mono from the microphone, 24 kHz mono from the upstream model.
//
// Example:
//
//	chunk := audio.NewChunk(pcmBytes, audio.OutputFormat)
//	fmt.Println(chunk.Duration())
//
//	// Clamp and scale a capture sample
//	s16 := audio.FloatToInt16(sample)
package audio
