// ABOUTME: MP3 file stream
// ABOUTME: Decodes MP3 files to float32 samples, looping at end of file
package decode

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/agentshifty/liverelay/pkg/audio"
	"github.com/hajimehoshi/go-mp3"
)

// MP3Stream reads from an MP3 file
type MP3Stream struct {
	file       *os.File
	decoder    *mp3.Decoder
	sampleRate int
	buf        []byte
}

// NewMP3Stream opens an MP3 file
func NewMP3Stream(path string) (*MP3Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	log.Printf("Loaded MP3: %s (sample rate: %d Hz)", filepath.Base(path), decoder.SampleRate())

	return &MP3Stream{
		file:       f,
		decoder:    decoder,
		sampleRate: decoder.SampleRate(),
	}, nil
}

func (s *MP3Stream) Read(samples []float32) (int, error) {
	// go-mp3 always outputs 16-bit stereo
	numBytes := len(samples) * 2
	if cap(s.buf) < numBytes {
		s.buf = make([]byte, numBytes)
	}
	buf := s.buf[:numBytes]

	n, err := s.decoder.Read(buf)
	if err != nil && err != io.EOF {
		return 0, err
	}

	numSamples := n / 2
	for i := 0; i < numSamples; i++ {
		samples[i] = audio.Int16ToFloat(int16(binary.LittleEndian.Uint16(buf[i*2:])))
	}

	if err == io.EOF {
		if _, seekErr := s.file.Seek(0, io.SeekStart); seekErr != nil {
			return numSamples, fmt.Errorf("failed to seek to start: %w", seekErr)
		}
		decoder, decErr := mp3.NewDecoder(s.file)
		if decErr != nil {
			return numSamples, fmt.Errorf("failed to create new decoder: %w", decErr)
		}
		s.decoder = decoder
	}

	return numSamples, nil
}

func (s *MP3Stream) SampleRate() int { return s.sampleRate }
func (s *MP3Stream) Channels() int   { return 2 }
func (s *MP3Stream) Close() error {
	return s.file.Close()
}
