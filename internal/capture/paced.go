// ABOUTME: Real-time paced capture devices
// ABOUTME: Test tone and file inputs that deliver samples at the wall-clock rate
package capture

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/agentshifty/liverelay/pkg/audio"
	"github.com/agentshifty/liverelay/pkg/audio/decode"
)

// pacePeriod is how much audio a paced device delivers per tick
const pacePeriod = 20 * time.Millisecond

// pacedDevice delivers samples from read once per period, like a sound card would
type pacedDevice struct {
	format  audio.Format
	read    func(samples []float32) (int, error)
	release func() error
	errs    chan error

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func newPacedDevice(format audio.Format, read func([]float32) (int, error), release func() error) *pacedDevice {
	return &pacedDevice{
		format:   format,
		read:     read,
		release:  release,
		errs:     make(chan error, 1),
		stopChan: make(chan struct{}),
	}
}

func (d *pacedDevice) Format() audio.Format { return d.format }

func (d *pacedDevice) Errors() <-chan error { return d.errs }

func (d *pacedDevice) Start(fn func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return errors.New("capture device already released")
	}
	if d.started {
		return errors.New("capture device already started")
	}
	d.started = true

	frames := int(int64(d.format.SampleRate) * int64(pacePeriod) / int64(time.Second))
	buf := make([]float32, frames*d.format.Channels)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(pacePeriod)
		defer ticker.Stop()

		for {
			select {
			case <-d.stopChan:
				return
			case <-ticker.C:
				n, err := d.read(buf)
				if n > 0 {
					fn(buf[:n])
				}
				if err != nil {
					select {
					case d.errs <- err:
					default:
					}
					return
				}
			}
		}
	}()

	return nil
}

func (d *pacedDevice) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.stopChan)
	d.mu.Unlock()

	d.wg.Wait()
	if d.release != nil {
		return d.release()
	}
	return nil
}

// Tone generates a sine wave at half amplitude
type Tone struct {
	*pacedDevice
	frequency   float64
	sampleIndex uint64
}

// NewTone creates a 16kHz mono test tone device
func NewTone(frequency float64) *Tone {
	t := &Tone{frequency: frequency}
	format := audio.Format{Encoding: "f32", SampleRate: audio.InputFormat.SampleRate, Channels: 1, BitDepth: 32}
	t.pacedDevice = newPacedDevice(format, t.generate, nil)
	return t
}

func (t *Tone) generate(samples []float32) (int, error) {
	rate := float64(t.format.SampleRate)
	for i := range samples {
		x := float64(t.sampleIndex+uint64(i)) / rate
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*t.frequency*x))
	}
	t.sampleIndex += uint64(len(samples))
	return len(samples), nil
}

// File plays a decoded audio file into the session, looping at the end
type File struct {
	*pacedDevice
	stream decode.Stream
}

// NewFile wraps an open stream as a capture device
func NewFile(stream decode.Stream) *File {
	format := audio.Format{Encoding: "f32", SampleRate: stream.SampleRate(), Channels: stream.Channels(), BitDepth: 32}
	f := &File{stream: stream}
	f.pacedDevice = newPacedDevice(format, f.readFull, stream.Close)
	return f
}

func (f *File) readFull(samples []float32) (int, error) {
	read := 0
	for read < len(samples) {
		n, err := f.stream.Read(samples[read:])
		read += n
		if err != nil {
			return read, err
		}
		if n == 0 {
			break
		}
	}
	return read, nil
}
