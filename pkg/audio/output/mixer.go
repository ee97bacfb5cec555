// ABOUTME: Software mixer that implements the playback clock
// ABOUTME: Mixes scheduled float32 buffers into a 16-bit PCM stream pulled by the device
package output

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/agentshifty/liverelay/pkg/audio"
)

// maxReadDuration bounds how far one device read advances the clock
const maxReadDuration = 60 * time.Millisecond

// Mixer is a playback Context backed by a pull-based PCM stream. The clock
// is the number of frames handed to the device so far; buffers are placed
// on that timeline with frame accuracy and summed where they overlap.
//
// It is safe to call methods on Mixer from multiple goroutines.
type Mixer struct {
	format    audio.Format
	readLimit int // bytes

	mu       sync.Mutex
	position int64 // frames read so far
	sources  []*mixerSource
	volume   int
	muted    bool
	closed   bool
	mixBuf   []float32
}

type mixerSource struct {
	mixer   *Mixer
	start   int64 // frame on the mixer timeline
	samples []float32
	done    chan struct{}
	once    sync.Once
}

// NewMixer creates a mixer producing the given 16-bit PCM format
func NewMixer(format audio.Format) *Mixer {
	frames := int(int64(maxReadDuration) * int64(format.SampleRate) / int64(time.Second))
	return &Mixer{
		format:    format,
		readLimit: frames * format.BytesPerFrame(),
		volume:    100,
	}
}

// Format returns the mixer's output format
func (m *Mixer) Format() audio.Format {
	return m.format
}

// Now returns the playback time, the duration of audio handed to the device
func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format.FramesDuration(int(m.position))
}

// Start places buf on the timeline at the given time
func (m *Mixer) Start(buf audio.Buffer, at time.Duration) (Source, error) {
	if buf.Format.SampleRate != m.format.SampleRate || buf.Format.Channels != m.format.Channels {
		return nil, fmt.Errorf("buffer format %v does not match mixer format %v", buf.Format, m.format)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, io.ErrClosedPipe
	}

	start := m.durationToFrames(at)
	if start < m.position {
		start = m.position
	}

	src := &mixerSource{
		mixer:   m,
		start:   start,
		samples: buf.Samples,
		done:    make(chan struct{}),
	}
	if len(src.samples) == 0 {
		src.finish()
		return src, nil
	}
	m.sources = append(m.sources, src)

	return src, nil
}

// Read mixes the next stretch of the timeline into p as 16-bit little-endian
// PCM and advances the clock. It never blocks; gaps are silence.
func (m *Mixer) Read(p []byte) (int, error) {
	if len(p) > m.readLimit {
		p = p[:m.readLimit]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, io.EOF
	}

	channels := m.format.Channels
	frames := len(p) / m.format.BytesPerFrame()
	if frames == 0 {
		return 0, nil
	}

	n := frames * channels
	if cap(m.mixBuf) < n {
		m.mixBuf = make([]float32, n)
	}
	mix := m.mixBuf[:n]
	for i := range mix {
		mix[i] = 0
	}

	from := m.position
	to := from + int64(frames)

	kept := m.sources[:0]
	for _, src := range m.sources {
		srcFrames := int64(len(src.samples) / channels)
		end := src.start + srcFrames

		if src.start < to && end > from {
			lo := max(src.start, from)
			hi := min(end, to)
			for f := lo; f < hi; f++ {
				dst := int(f-from) * channels
				off := int(f-src.start) * channels
				for ch := 0; ch < channels; ch++ {
					mix[dst+ch] += src.samples[off+ch]
				}
			}
		}

		if end <= to {
			src.finish()
			continue
		}
		kept = append(kept, src)
	}
	for i := len(kept); i < len(m.sources); i++ {
		m.sources[i] = nil
	}
	m.sources = kept

	gain := getVolumeMultiplier(m.volume, m.muted)
	for i, s := range mix {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(audio.FloatToInt16(s*gain)))
	}

	m.position = to
	return frames * m.format.BytesPerFrame(), nil
}

// Active returns the number of sources still scheduled or playing
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// Close stops every source; subsequent reads return io.EOF
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, src := range m.sources {
		src.finish()
	}
	m.sources = nil
	m.closed = true
	return nil
}

// SetVolume sets the volume (0-100)
func (m *Mixer) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	m.mu.Lock()
	m.volume = volume
	m.mu.Unlock()
	log.Printf("Volume set to %d", volume)
}

// SetMuted sets mute state
func (m *Mixer) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
	log.Printf("Muted: %v", muted)
}

// GetVolume returns current volume
func (m *Mixer) GetVolume() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// IsMuted returns mute state
func (m *Mixer) IsMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// durationToFrames converts a timeline duration to the nearest frame
func (m *Mixer) durationToFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	rate := int64(m.format.SampleRate)
	return (int64(d)*rate + int64(time.Second)/2) / int64(time.Second)
}

func (s *mixerSource) Stop() {
	m := s.mixer
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, src := range m.sources {
		if src == s {
			m.sources = append(m.sources[:i], m.sources[i+1:]...)
			break
		}
	}
	s.finish()
}

func (s *mixerSource) Done() <-chan struct{} {
	return s.done
}

func (s *mixerSource) finish() {
	s.once.Do(func() { close(s.done) })
}

// getVolumeMultiplier calculates volume multiplier
func getVolumeMultiplier(volume int, muted bool) float32 {
	if muted {
		return 0.0
	}
	return float32(volume) / 100.0
}
