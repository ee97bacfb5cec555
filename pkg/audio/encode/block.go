// ABOUTME: Fixed-size block framer for capture audio
// ABOUTME: Accumulates frames into blocks and emits each encoded block immediately
package encode

import (
	"fmt"

	"github.com/agentshifty/liverelay/pkg/audio"
)

// Blocker accumulates interleaved frames into fixed-size blocks. Every block is
// encoded and emitted as soon as it is complete; only the partial tail of the
// current block is held back.
type Blocker struct {
	encoder     Encoder
	blockFrames int
	channels    int
	pending     []float32
}

// NewBlocker creates a framer emitting blocks of blockFrames frames
func NewBlocker(encoder Encoder, blockFrames int) (*Blocker, error) {
	if blockFrames <= 0 {
		return nil, fmt.Errorf("invalid block size: %d", blockFrames)
	}

	channels := encoder.Format().Channels
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}

	return &Blocker{
		encoder:     encoder,
		blockFrames: blockFrames,
		channels:    channels,
		pending:     make([]float32, 0, blockFrames*channels),
	}, nil
}

// Write appends samples and calls emit, in order, for every block completed
func (b *Blocker) Write(samples []float32, emit func(audio.Chunk)) error {
	blockSamples := b.blockFrames * b.channels

	for len(samples) > 0 {
		n := blockSamples - len(b.pending)
		if n > len(samples) {
			n = len(samples)
		}
		b.pending = append(b.pending, samples[:n]...)
		samples = samples[n:]

		if len(b.pending) < blockSamples {
			break
		}

		data, err := b.encoder.Encode(b.pending)
		b.pending = b.pending[:0]
		if err != nil {
			return fmt.Errorf("encode block: %w", err)
		}
		emit(audio.NewChunk(data, b.encoder.Format()))
	}

	return nil
}

// Pending returns the number of frames waiting for the current block to fill
func (b *Blocker) Pending() int {
	return len(b.pending) / b.channels
}

// Reset discards the partial block
func (b *Blocker) Reset() {
	b.pending = b.pending[:0]
}
