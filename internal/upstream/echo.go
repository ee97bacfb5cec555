// ABOUTME: Loopback upstream provider
// ABOUTME: Plays each caller's audio back at the output rate, for running the relay without credentials
package upstream

import (
	"context"
	"sync"

	"github.com/agentshifty/liverelay/internal/protocol"
	"github.com/agentshifty/liverelay/pkg/audio"
	"github.com/agentshifty/liverelay/pkg/audio/decode"
	"github.com/agentshifty/liverelay/pkg/audio/encode"
	"github.com/agentshifty/liverelay/pkg/audio/resample"
)

// Echo dials sessions that return input audio converted to the output format.
// Every TurnChunks chunks it ends the turn.
type Echo struct {
	TurnChunks int
}

// NewEcho creates a loopback provider
func NewEcho() *Echo {
	return &Echo{TurnChunks: 8}
}

// Dial opens a session that echoes each inbound chunk back at the output rate
func (e *Echo) Dial(ctx context.Context, config Config) (Session, error) {
	decoder, err := decode.NewPCM(audio.InputFormat)
	if err != nil {
		return nil, err
	}
	encoder, err := encode.NewPCM(audio.OutputFormat)
	if err != nil {
		return nil, err
	}

	return &echoSession{
		decoder:    decoder,
		encoder:    encoder,
		resampler:  resample.New(audio.InputFormat.SampleRate, audio.OutputFormat.SampleRate, 1),
		turnChunks: e.TurnChunks,
		events:     make(chan Event, 64),
		closed:     make(chan struct{}),
	}, nil
}

type echoSession struct {
	decoder    decode.Decoder
	encoder    encode.Encoder
	resampler  *resample.Resampler
	turnChunks int

	mu     sync.Mutex
	count  int
	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *echoSession) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	buf, err := s.decoder.Decode(data)
	if err != nil {
		return err
	}
	out, err := s.encoder.Encode(s.resampler.Process(buf.Samples))
	if err != nil {
		return err
	}

	s.push(Event{Audio: out})
	s.count++
	if s.turnChunks > 0 && s.count%s.turnChunks == 0 {
		s.push(Event{Signal: protocol.SignalTurnComplete})
	}
	return nil
}

// push drops events if nobody is receiving
func (s *echoSession) push(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *echoSession) Recv() (Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return Event{}, ErrClosed
	}
}

func (s *echoSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
