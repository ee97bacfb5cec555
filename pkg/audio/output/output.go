// ABOUTME: Audio output interface definitions
// ABOUTME: Playback clock and source contracts plus the device backends that drain them
package output

import (
	"fmt"
	"io"
	"time"

	"github.com/agentshifty/liverelay/pkg/audio"
)

// Context is a playback clock that can start buffers at future times.
// Now is monotonic and Start never blocks on playback.
type Context interface {
	// Now returns the current playback time
	Now() time.Duration

	// Start schedules buf to begin playing at the given context time.
	// A start time already in the past plays as soon as possible.
	Start(buf audio.Buffer, at time.Duration) (Source, error)
}

// Source is a handle to one scheduled buffer
type Source interface {
	// Stop silences the source immediately. Safe to call more than once.
	Stop()

	// Done is closed once the source has finished playing or was stopped
	Done() <-chan struct{}
}

// Device drains interleaved 16-bit PCM from a reader into a sound card
type Device interface {
	// Open starts pulling from src at the given format
	Open(src io.Reader, sampleRate, channels int) error

	// Close releases the device
	Close() error
}

// NewDevice returns the playback backend by name
func NewDevice(backend string) (Device, error) {
	switch backend {
	case "", "oto":
		return NewOto(), nil
	case "malgo":
		return NewMalgo(), nil
	default:
		return nil, fmt.Errorf("unknown output backend: %s (supported: oto, malgo)", backend)
	}
}
