// ABOUTME: Tests for the capture pipeline and paced devices
// ABOUTME: Tests block framing, down-mixing, resampling and synchronous disconnect
package capture

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/agentshifty/liverelay/pkg/audio"
)

// fakeDevice lets tests push samples by hand
type fakeDevice struct {
	format  audio.Format
	mu      sync.Mutex
	fn      func([]float32)
	stopped bool
	errs    chan error
}

func newFakeDevice(rate, channels int) *fakeDevice {
	return &fakeDevice{
		format: audio.Format{Encoding: "f32", SampleRate: rate, Channels: channels, BitDepth: 32},
		errs:   make(chan error, 1),
	}
}

func (d *fakeDevice) Format() audio.Format { return d.format }
func (d *fakeDevice) Errors() <-chan error { return d.errs }

func (d *fakeDevice) Start(fn func([]float32)) error {
	d.mu.Lock()
	d.fn = fn
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) push(samples []float32) {
	d.mu.Lock()
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []audio.Chunk
}

func (r *chunkRecorder) sink(c audio.Chunk) {
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()
}

func (r *chunkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func TestCaptureEmitsBlocks(t *testing.T) {
	dev := newFakeDevice(16000, 1)
	c, err := New(dev)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	rec := &chunkRecorder{}
	if err := c.Connect(rec.sink); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	// 3 blocks plus a partial tail, in device-sized periods
	total := 3*audio.BlockFrames + 100
	period := 320
	for sent := 0; sent < total; sent += period {
		n := period
		if sent+n > total {
			n = total - sent
		}
		dev.push(make([]float32, n))
	}

	if rec.count() != 3 {
		t.Fatalf("expected 3 chunks, got %d", rec.count())
	}
	for i, chunk := range rec.chunks {
		if chunk.Len() != audio.BlockFrames*2 {
			t.Errorf("chunk %d: expected %d bytes, got %d", i, audio.BlockFrames*2, chunk.Len())
		}
		if chunk.Format() != audio.InputFormat {
			t.Errorf("chunk %d: expected input format, got %v", i, chunk.Format())
		}
	}
	if c.Chunks() != 3 {
		t.Errorf("expected chunk counter 3, got %d", c.Chunks())
	}
}

func TestCaptureKeepsChannelZero(t *testing.T) {
	dev := newFakeDevice(16000, 2)
	c, _ := New(dev)

	rec := &chunkRecorder{}
	c.Connect(rec.sink)

	// Left is 0.5, right is -0.5
	samples := make([]float32, audio.BlockFrames*2)
	for i := 0; i < len(samples); i += 2 {
		samples[i] = 0.5
		samples[i+1] = -0.5
	}
	dev.push(samples)

	if rec.count() != 1 {
		t.Fatalf("expected 1 chunk, got %d", rec.count())
	}
	data := rec.chunks[0].Bytes()
	for i := 0; i < audio.BlockFrames; i++ {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		if s != audio.FloatToInt16(0.5) {
			t.Fatalf("frame %d: expected left channel, got %d", i, s)
		}
	}
}

func TestCaptureResamples(t *testing.T) {
	dev := newFakeDevice(48000, 1)
	c, _ := New(dev)

	rec := &chunkRecorder{}
	c.Connect(rec.sink)

	// 3x the frames at 48kHz make one 16kHz block
	dev.push(make([]float32, audio.BlockFrames*3))

	if rec.count() != 1 {
		t.Fatalf("expected 1 chunk after resampling, got %d", rec.count())
	}
}

func TestCaptureDisconnectIsSynchronous(t *testing.T) {
	dev := newFakeDevice(16000, 1)
	c, _ := New(dev)

	rec := &chunkRecorder{}
	c.Connect(rec.sink)

	dev.push(make([]float32, audio.BlockFrames-1))
	c.Disconnect()

	// Completing the block after disconnect must not reach the sink
	dev.push(make([]float32, audio.BlockFrames))

	if rec.count() != 0 {
		t.Errorf("expected no chunks after disconnect, got %d", rec.count())
	}
	if !dev.stopped {
		t.Error("expected device to be stopped")
	}

	// Idempotent
	c.Disconnect()

	if err := c.Connect(rec.sink); err == nil {
		t.Error("expected error reconnecting a released capture")
	}
}

func TestCaptureInvalidFormat(t *testing.T) {
	if _, err := New(newFakeDevice(0, 1)); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := New(newFakeDevice(16000, 0)); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestToneDevice(t *testing.T) {
	tone := NewTone(440)

	if tone.Format().SampleRate != 16000 || tone.Format().Channels != 1 {
		t.Fatalf("unexpected tone format: %v", tone.Format())
	}

	var mu sync.Mutex
	received := 0
	peak := float32(0)

	err := tone.Start(func(samples []float32) {
		mu.Lock()
		defer mu.Unlock()
		received += len(samples)
		for _, s := range samples {
			if s > peak {
				peak = s
			}
		}
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := tone.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	mu.Lock()
	after := received
	mu.Unlock()

	if after == 0 {
		t.Fatal("expected tone samples")
	}
	if peak <= 0.4 || peak > 0.5 {
		t.Errorf("expected half amplitude peak, got %v", peak)
	}

	// Nothing is delivered after Stop returns
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if received != after {
		t.Errorf("expected no samples after stop, got %d more", received-after)
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"tone", false},
		{"", true},
		{"missing-file.flac", true},
		{"speech.ogg", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			dev, err := Open(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if dev != nil {
				dev.Stop()
			}
		})
	}
}
