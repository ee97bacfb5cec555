// ABOUTME: Encoder interface definition
// ABOUTME: Common interface for capture-side audio encoders
package encode

import "github.com/agentshifty/liverelay/pkg/audio"

// Encoder encodes float32 capture samples to a wire format
type Encoder interface {
	// Encode converts interleaved float32 samples to encoded audio data
	Encode(samples []float32) ([]byte, error)

	// Format returns the wire format of the encoded output
	Format() audio.Format

	// Close releases encoder resources
	Close() error
}
