// ABOUTME: Microphone capture device
// ABOUTME: Captures 16kHz mono float32 audio through miniaudio via malgo
package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/agentshifty/liverelay/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Mic captures from the default input device
type Mic struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	format   audio.Format
	errs     chan error

	mu       sync.Mutex
	fn       func([]float32)
	buf      []float32
	stopping bool
	stopped  bool
}

// NewMic acquires the default capture device at the wire input format
func NewMic() (*Mic, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}

	m := &Mic{
		malgoCtx: ctx,
		format:   audio.Format{Encoding: "f32", SampleRate: audio.InputFormat.SampleRate, Channels: 1, BitDepth: 32},
		errs:     make(chan error, 1),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(audio.InputFormat.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	deviceCallbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			m.dataCallback(pInput, frameCount)
		},
		Stop: m.onStop,
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, deviceCallbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("failed to open capture device: %w", err)
	}
	m.device = device

	log.Printf("Capture device acquired: %dHz mono (malgo)", audio.InputFormat.SampleRate)

	return m, nil
}

func (m *Mic) Format() audio.Format { return m.format }

func (m *Mic) Errors() <-chan error { return m.errs }

// Start begins capture
func (m *Mic) Start(fn func([]float32)) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.New("capture device already released")
	}
	m.fn = fn
	m.mu.Unlock()

	if err := m.device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

// dataCallback is called by malgo with captured frames
func (m *Mic) dataCallback(pInput []byte, frameCount uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fn == nil || m.stopping {
		return
	}

	n := int(frameCount)
	if len(pInput) < n*4 {
		n = len(pInput) / 4
	}
	if cap(m.buf) < n {
		m.buf = make([]float32, n)
	}
	samples := m.buf[:n]
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(pInput[i*4:]))
	}

	m.fn(samples)
}

// onStop fires when miniaudio stops the device, including on device loss
func (m *Mic) onStop() {
	m.mu.Lock()
	unexpected := !m.stopping && m.fn != nil
	m.mu.Unlock()

	if unexpected {
		select {
		case m.errs <- errors.New("capture device stopped unexpectedly"):
		default:
		}
	}
}

// Stop stops capture and releases the device
func (m *Mic) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	m.stopped = true
	m.mu.Unlock()

	if err := m.device.Stop(); err != nil {
		log.Printf("Warning: capture device stop error: %v", err)
	}
	m.device.Uninit()

	if err := m.malgoCtx.Uninit(); err != nil {
		log.Printf("Warning: malgo context uninit error: %v", err)
	}
	m.malgoCtx.Free()

	log.Printf("Capture device released")
	return nil
}
