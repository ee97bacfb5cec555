// ABOUTME: Capture device abstraction
// ABOUTME: Opens microphone, test tone or file inputs as float32 sample producers
package capture

import (
	"fmt"
	"strings"

	"github.com/agentshifty/liverelay/pkg/audio"
	"github.com/agentshifty/liverelay/pkg/audio/decode"
)

// Device is an acquired capture device. Opening a device acquires it;
// Start begins delivering samples and Stop releases it.
type Device interface {
	// Format returns the rate and channel layout of delivered samples
	Format() audio.Format

	// Start begins calling fn with interleaved float32 samples. The slice is
	// only valid for the duration of the call.
	Start(fn func(samples []float32)) error

	// Stop stops delivery and releases the device. Safe to call more than once.
	Stop() error

	// Errors reports device failures after Start
	Errors() <-chan error
}

// Open acquires the named input: "mic", "tone", or a path to an .mp3 or .flac file
func Open(input string) (Device, error) {
	switch strings.ToLower(input) {
	case "":
		return nil, fmt.Errorf("no capture input configured")
	case "mic", "microphone":
		mic, err := NewMic()
		if err != nil {
			return nil, err
		}
		return mic, nil
	case "tone":
		return NewTone(440.0), nil
	}

	stream, err := decode.OpenFile(input)
	if err != nil {
		return nil, err
	}
	return NewFile(stream), nil
}
