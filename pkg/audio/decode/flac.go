// ABOUTME: FLAC file stream
// ABOUTME: Decodes FLAC files frame by frame to float32 samples, looping at end of file
package decode

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/agentshifty/liverelay/pkg/audio"
	"github.com/mewkiz/flac"
)

// FLACStream reads from a FLAC file
type FLACStream struct {
	file       *os.File
	stream     *flac.Stream
	sampleRate int
	channels   int
	bitDepth   int
	pending    []float32 // decoded samples not yet returned
}

// NewFLACStream opens a FLAC file
func NewFLACStream(path string) (*FLACStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	s := &FLACStream{
		file:       f,
		stream:     stream,
		sampleRate: int(info.SampleRate),
		channels:   int(info.NChannels),
		bitDepth:   int(info.BitsPerSample),
	}

	log.Printf("Loaded FLAC: %s (sample rate: %d Hz, channels: %d, bit depth: %d)",
		filepath.Base(path), s.sampleRate, s.channels, s.bitDepth)

	return s, nil
}

func (s *FLACStream) Read(samples []float32) (int, error) {
	read := 0
	looped := false

	for read < len(samples) {
		if len(s.pending) > 0 {
			n := copy(samples[read:], s.pending)
			s.pending = s.pending[n:]
			read += n
			continue
		}

		frame, err := s.stream.ParseNext()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return read, err
			}
			if looped {
				// Empty file, nothing to loop
				return read, io.EOF
			}
			looped = true
			if err := s.rewind(); err != nil {
				return read, err
			}
			continue
		}
		looped = false

		interleaved := make([]float32, 0, int(frame.BlockSize)*s.channels)
		for i := 0; i < int(frame.BlockSize); i++ {
			for ch := 0; ch < s.channels; ch++ {
				interleaved = append(interleaved, audio.IntToFloat(frame.Subframes[ch].Samples[i], s.bitDepth))
			}
		}
		s.pending = interleaved
	}

	return read, nil
}

func (s *FLACStream) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	stream, err := flac.New(s.file)
	if err != nil {
		return fmt.Errorf("failed to create new stream: %w", err)
	}
	s.stream = stream
	return nil
}

func (s *FLACStream) SampleRate() int { return s.sampleRate }
func (s *FLACStream) Channels() int   { return s.channels }
func (s *FLACStream) Close() error {
	return s.file.Close()
}
