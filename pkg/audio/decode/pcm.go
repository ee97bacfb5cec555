// ABOUTME: PCM audio decoder
// ABOUTME: Decodes 16-bit little-endian PCM chunks to float32 buffers
package decode

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/agentshifty/liverelay/pkg/audio"
)

var (
	// ErrEmptyChunk is returned when a chunk carries no audio
	ErrEmptyChunk = errors.New("empty chunk")

	// ErrPartialFrame is returned when a chunk's length is not a whole number of frames
	ErrPartialFrame = errors.New("chunk is not a whole number of frames")
)

// PCMDecoder decodes PCM audio
type PCMDecoder struct {
	format audio.Format
}

// NewPCM creates a new PCM decoder
func NewPCM(format audio.Format) (Decoder, error) {
	if format.Encoding != audio.EncodingPCM16 {
		return nil, fmt.Errorf("invalid encoding for PCM decoder: %s", format.Encoding)
	}

	if format.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth: %d (supported: 16)", format.BitDepth)
	}

	if format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid format: %v", format)
	}

	return &PCMDecoder{
		format: format,
	}, nil
}

// Decode converts PCM bytes to float32 samples in [-1, 1)
func (d *PCMDecoder) Decode(data []byte) (audio.Buffer, error) {
	if len(data) == 0 {
		return audio.Buffer{}, ErrEmptyChunk
	}

	bpf := d.format.BytesPerFrame()
	if len(data)%bpf != 0 {
		return audio.Buffer{}, fmt.Errorf("%w: %d bytes, frame size %d", ErrPartialFrame, len(data), bpf)
	}

	// 16-bit PCM: 2 bytes per sample
	numSamples := len(data) / 2
	samples := make([]float32, numSamples)
	for i := 0; i < numSamples; i++ {
		sample16 := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = audio.Int16ToFloat(sample16)
	}

	return audio.Buffer{Samples: samples, Format: d.format}, nil
}

// Close releases resources
func (d *PCMDecoder) Close() error {
	return nil
}
