// ABOUTME: Capture pipeline from device to wire chunks
// ABOUTME: Down-mixes, resamples and frames device audio into 4096-frame PCM chunks
package capture

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/agentshifty/liverelay/pkg/audio"
	"github.com/agentshifty/liverelay/pkg/audio/encode"
	"github.com/agentshifty/liverelay/pkg/audio/resample"
)

// Sink receives each encoded chunk as soon as its block is complete
type Sink func(chunk audio.Chunk)

// Capture connects a device to a sink through the block encoder
type Capture struct {
	device    Device
	blocker   *encode.Blocker
	resampler *resample.Resampler

	mu        sync.Mutex
	sink      Sink
	connected bool
	released  bool
	mono      []float32

	chunks atomic.Int64
}

// New builds the capture pipeline for an acquired device
func New(device Device) (*Capture, error) {
	format := device.Format()
	if format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid capture format: %v", format)
	}

	encoder, err := encode.NewPCM(audio.InputFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	blocker, err := encode.NewBlocker(encoder, audio.BlockFrames)
	if err != nil {
		return nil, fmt.Errorf("failed to create block framer: %w", err)
	}

	c := &Capture{
		device:  device,
		blocker: blocker,
	}
	if format.SampleRate != audio.InputFormat.SampleRate {
		c.resampler = resample.New(format.SampleRate, audio.InputFormat.SampleRate, 1)
		log.Printf("Resampling capture from %dHz to %dHz", format.SampleRate, audio.InputFormat.SampleRate)
	}

	return c, nil
}

// Connect starts the device and routes completed chunks to sink
func (c *Capture) Connect(sink Sink) error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return errors.New("capture already disconnected")
	}
	if c.connected {
		c.mu.Unlock()
		return errors.New("capture already connected")
	}
	c.sink = sink
	c.connected = true
	c.mu.Unlock()

	if err := c.device.Start(c.onSamples); err != nil {
		c.mu.Lock()
		c.connected = false
		c.sink = nil
		c.mu.Unlock()
		return fmt.Errorf("failed to start capture: %w", err)
	}
	return nil
}

func (c *Capture) onSamples(samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}

	// Keep channel 0 only
	channels := c.device.Format().Channels
	frames := len(samples) / channels
	if cap(c.mono) < frames {
		c.mono = make([]float32, frames)
	}
	mono := c.mono[:frames]
	for i := range mono {
		mono[i] = samples[i*channels]
	}

	if c.resampler != nil {
		mono = c.resampler.Process(mono)
	}

	err := c.blocker.Write(mono, func(chunk audio.Chunk) {
		c.chunks.Add(1)
		c.sink(chunk)
	})
	if err != nil {
		log.Printf("Capture encode error: %v", err)
	}
}

// Disconnect stops chunk delivery and releases the device. The sink is
// never called after Disconnect returns.
func (c *Capture) Disconnect() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.released = true
	c.sink = nil
	c.blocker.Reset()
	c.mu.Unlock()

	if err := c.device.Stop(); err != nil {
		log.Printf("Warning: capture device stop error: %v", err)
	}
}

// Errors reports device failures
func (c *Capture) Errors() <-chan error {
	return c.device.Errors()
}

// Chunks returns the number of chunks handed to the sink
func (c *Capture) Chunks() int64 {
	return c.chunks.Load()
}
