// ABOUTME: Audio type definitions
// ABOUTME: Defines wire formats, immutable chunks and decoded playback buffers
package audio

import (
	"fmt"
	"math"
	"time"
)

const (
	// EncodingPCM16 is signed 16-bit little-endian PCM, the only wire encoding
	EncodingPCM16 = "pcm_s16le"

	// BlockFrames is the number of capture frames carried by one outbound chunk
	BlockFrames = 4096

	// 16-bit sample range constants
	MaxInt16 = 32767
	MinInt16 = -32768
)

// Format describes an audio stream format
type Format struct {
	Encoding   string
	SampleRate int
	Channels   int
	BitDepth   int
}

var (
	// InputFormat is the format of microphone chunks sent to the relay
	InputFormat = Format{Encoding: EncodingPCM16, SampleRate: 16000, Channels: 1, BitDepth: 16}

	// OutputFormat is the format of the upstream's audio replies
	OutputFormat = Format{Encoding: EncodingPCM16, SampleRate: 24000, Channels: 1, BitDepth: 16}
)

// BytesPerFrame returns the size of one interleaved frame in bytes
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// FramesDuration returns how long the given number of frames plays for
func (f Format) FramesDuration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Duration returns how long the given number of encoded bytes plays for
func (f Format) Duration(bytes int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf <= 0 {
		return 0
	}
	return f.FramesDuration(bytes / bpf)
}

// MIMEType returns the MIME type used by the upstream provider for this format
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dHz %dch", f.Encoding, f.SampleRate, f.Channels)
}

// Chunk is one discrete unit of encoded audio crossing a stream boundary.
// The bytes are copied on construction and must be treated as read-only.
type Chunk struct {
	data   []byte
	format Format
}

// NewChunk copies data into a new chunk tagged with format
func NewChunk(data []byte, format Format) Chunk {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Chunk{data: buf, format: format}
}

// Bytes returns the chunk payload. Callers must not modify it.
func (c Chunk) Bytes() []byte { return c.data }

// Len returns the payload size in bytes
func (c Chunk) Len() int { return len(c.data) }

// Format returns the chunk's format tag
func (c Chunk) Format() Format { return c.format }

// Duration returns the chunk's playback duration
func (c Chunk) Duration() time.Duration { return c.format.Duration(len(c.data)) }

// Buffer represents decoded audio in the playback-native float32 format
type Buffer struct {
	Samples []float32 // interleaved, nominally in [-1, 1]
	Format  Format
}

// Frames returns the number of frames in the buffer
func (b Buffer) Frames() int {
	if b.Format.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Format.Channels
}

// Duration returns the buffer's playback duration
func (b Buffer) Duration() time.Duration {
	return b.Format.FramesDuration(b.Frames())
}

// FloatToInt16 clamps a float sample to [-1, 1] and scales it to the
// signed 16-bit range. Out-of-range input saturates instead of wrapping.
func FloatToInt16(sample float32) int16 {
	if math.IsNaN(float64(sample)) {
		return 0
	}
	if sample >= 1 {
		return MaxInt16
	}
	if sample <= -1 {
		return MinInt16
	}
	if sample < 0 {
		return int16(sample * 32768)
	}
	return int16(sample * 32767)
}

// Int16ToFloat converts a 16-bit sample to a float in [-1, 1)
func Int16ToFloat(sample int16) float32 {
	return float32(sample) / 32768.0
}

// IntToFloat converts a signed integer sample of the given bit depth to a float
func IntToFloat(sample int32, bitDepth int) float32 {
	if bitDepth <= 0 || bitDepth > 32 {
		return 0
	}
	scale := float64(int64(1) << (bitDepth - 1))
	return float32(float64(sample) / scale)
}
