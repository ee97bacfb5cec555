// ABOUTME: Decoder and Stream interface definitions
// ABOUTME: Chunk decoders for playback and looping file streams for capture
package decode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentshifty/liverelay/pkg/audio"
)

// Decoder decodes wire chunks to playback-native float32 buffers
type Decoder interface {
	// Decode converts encoded audio data to a float32 buffer
	Decode(data []byte) (audio.Buffer, error)

	// Close releases decoder resources
	Close() error
}

// Stream provides interleaved float32 samples from an encoded file
type Stream interface {
	// Read fills samples and returns how many were written
	Read(samples []float32) (int, error)
	// SampleRate returns the native sample rate of the stream
	SampleRate() int
	// Channels returns the number of interleaved channels
	Channels() int
	// Close closes the underlying file
	Close() error
}

// OpenFile opens an audio file as a looping Stream, choosing the decoder by extension
func OpenFile(path string) (Stream, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("audio file not found: %s", path)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		return NewMP3Stream(path)
	case ".flac":
		return NewFLACStream(path)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .mp3, .flac)", ext)
	}
}
