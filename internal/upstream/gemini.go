// ABOUTME: Gemini Live upstream provider
// ABOUTME: Opens audio sessions with the google genai Live API and flattens server messages into events
package upstream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/agentshifty/liverelay/internal/protocol"
	"github.com/agentshifty/liverelay/pkg/audio"
	"google.golang.org/genai"
)

// Gemini dials Live sessions with a shared genai client
type Gemini struct {
	client *genai.Client
}

// NewGemini creates a Gemini provider for the given API key
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// Dial opens one Live session with audio responses
func (g *Gemini) Dial(ctx context.Context, config Config) (Session, error) {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if config.SystemInstruction != "" {
		lc.SystemInstruction = genai.NewContentFromText(config.SystemInstruction, genai.RoleUser)
	}

	session, err := g.client.Live.Connect(ctx, config.Model, lc)
	if err != nil {
		return nil, fmt.Errorf("live connect: %w", err)
	}

	log.Printf("Upstream session opened (model: %s)", config.Model)

	return &geminiSession{session: session}, nil
}

type geminiSession struct {
	session *genai.Session

	sendMu sync.Mutex

	// pending holds events split out of one server message; only Recv touches it
	pending []Event

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

func (s *geminiSession) Send(data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			Data:     data,
			MIMEType: audio.InputFormat.MIMEType(),
		},
	})
}

func (s *geminiSession) Recv() (Event, error) {
	for len(s.pending) == 0 {
		msg, err := s.session.Receive()
		if err != nil {
			return Event{}, err
		}
		s.pending = flatten(msg)
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *geminiSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.session.Close()
		log.Printf("Upstream session closed")
	})
	return s.closeErr
}

// flatten turns one server message into audio and signal events, in order
func flatten(msg *genai.LiveServerMessage) []Event {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	content := msg.ServerContent

	var events []Event
	if content.Interrupted {
		events = append(events, Event{Signal: protocol.SignalInterrupted})
	}
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			events = append(events, Event{Audio: part.InlineData.Data})
		}
	}
	if content.TurnComplete {
		events = append(events, Event{Signal: protocol.SignalTurnComplete})
	}
	return events
}
