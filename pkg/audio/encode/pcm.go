// ABOUTME: PCM audio encoder
// ABOUTME: Encodes float32 capture samples to 16-bit little-endian PCM bytes
package encode

import (
	"encoding/binary"
	"fmt"

	"github.com/agentshifty/liverelay/pkg/audio"
)

// PCMEncoder encodes PCM audio
type PCMEncoder struct {
	format audio.Format
}

// NewPCM creates a new PCM encoder
func NewPCM(format audio.Format) (Encoder, error) {
	if format.Encoding != audio.EncodingPCM16 {
		return nil, fmt.Errorf("invalid encoding for PCM encoder: %s", format.Encoding)
	}

	if format.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth: %d (supported: 16)", format.BitDepth)
	}

	return &PCMEncoder{
		format: format,
	}, nil
}

// Encode converts float32 samples to 16-bit PCM bytes, clamping out-of-range input
func (e *PCMEncoder) Encode(samples []float32) ([]byte, error) {
	output := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(output[i*2:], uint16(audio.FloatToInt16(sample)))
	}
	return output, nil
}

// Format returns the wire format produced by the encoder
func (e *PCMEncoder) Format() audio.Format {
	return e.format
}

// Close releases resources
func (e *PCMEncoder) Close() error {
	return nil
}
