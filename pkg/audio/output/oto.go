// ABOUTME: Oto-based audio output implementation
// ABOUTME: Plays the mixer stream through a persistent oto player
package output

import (
	"fmt"
	"io"
	"log"
	"time"

	"github.com/ebitengine/oto/v3"
)

// playerBuffer keeps device latency low so interruption is audible quickly
const playerBuffer = 100 * time.Millisecond

// Oto output implementation using oto library
type Oto struct {
	otoCtx     *oto.Context
	player     *oto.Player
	sampleRate int
	channels   int
}

// NewOto creates a new Oto output
func NewOto() *Oto {
	return &Oto{}
}

// Open initializes the output device and starts pulling from src
func (o *Oto) Open(src io.Reader, sampleRate, channels int) error {
	// oto only allows one context per process
	if o.otoCtx != nil {
		return fmt.Errorf("oto output already open (%dHz %dch)", o.sampleRate, o.channels)
	}

	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}

	<-readyChan

	o.otoCtx = ctx
	o.sampleRate = sampleRate
	o.channels = channels

	// Persistent player; the mixer never blocks and fills gaps with silence
	o.player = o.otoCtx.NewPlayer(src)
	o.player.SetBufferSize(int(int64(playerBuffer) * int64(sampleRate) / int64(time.Second) * int64(channels) * 2))
	o.player.Play()

	log.Printf("Audio output initialized: %dHz, %d channels (oto)", sampleRate, channels)

	return nil
}

// Close releases output resources
func (o *Oto) Close() error {
	if o.player != nil {
		o.player.Pause()
		if err := o.player.Close(); err != nil {
			log.Printf("Warning: oto player close error: %v", err)
		}
		o.player = nil
	}
	if o.otoCtx != nil {
		if err := o.otoCtx.Suspend(); err != nil {
			log.Printf("Warning: oto suspend error: %v", err)
		}
	}
	return nil
}
