// ABOUTME: Conversation session controller
// ABOUTME: Coordinates capture, the relay channel and the playback scheduler for one recording session
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentshifty/liverelay/internal/capture"
	"github.com/agentshifty/liverelay/internal/client"
	"github.com/agentshifty/liverelay/internal/discovery"
	"github.com/agentshifty/liverelay/internal/player"
	"github.com/agentshifty/liverelay/internal/protocol"
	"github.com/agentshifty/liverelay/pkg/audio"
)

// placeholderEndpoint marks an endpoint that was never filled in
const placeholderEndpoint = "your-secure-backend"

// DefaultDiscoverTimeout bounds the mDNS browse for a relay
const DefaultDiscoverTimeout = 3 * time.Second

// ErrConfig is returned for configuration the user must fix before a session can start
var ErrConfig = errors.New("configuration error")

// ErrStopped is returned by Start when Stop ran before the session began recording
var ErrStopped = errors.New("session stopped while starting")

// State of the session lifecycle
type State int

const (
	Ready State = iota
	RequestingCapture
	Connecting
	Recording
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case RequestingCapture:
		return "requesting-capture"
	case Connecting:
		return "connecting"
	case Recording:
		return "recording"
	case Closed:
		return "closed"
	default:
		return "error"
	}
}

// Config holds session configuration
type Config struct {
	// Endpoint is the relay websocket URL
	Endpoint string

	// Discover browses mDNS for a relay when Endpoint is empty
	Discover        bool
	DiscoverTimeout time.Duration

	// Input names the capture device: "mic", "tone" or an audio file path
	Input string

	ConnectTimeout time.Duration
	Debug          bool
}

// Validate checks the configuration without touching any device or the network
func (c Config) Validate() error {
	if c.Endpoint == "" {
		if c.Discover {
			return nil
		}
		return fmt.Errorf("%w: no relay endpoint configured (use -endpoint, RELAY_ENDPOINT or -discover)", ErrConfig)
	}

	if strings.Contains(c.Endpoint, placeholderEndpoint) {
		return fmt.Errorf("%w: ACTION REQUIRED: deploy the relay server and set its URL as the endpoint", ErrConfig)
	}

	if _, err := client.ValidateURL(c.Endpoint); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	return nil
}

// Status is what the user sees: the lifecycle state, a status line and an
// error line that is cleared by the next status
type Status struct {
	State   State
	Message string
	Error   string
}

// Stats tracks session traffic
type Stats struct {
	ChunksSent     int64
	ChunksDropped  int64
	ChunksReceived int64
	Signals        int64
	Playback       player.Stats
}

// Session drives one conversation at a time
type Session struct {
	config    Config
	scheduler *player.Scheduler

	openDevice func(input string) (capture.Device, error)
	lookup     func(ctx context.Context, timeout time.Duration) (*discovery.ServerInfo, error)

	mu       sync.Mutex
	status   Status
	gen      uint64 // bumped by every Start and Stop
	starting bool
	channel  *client.Channel
	capture  *capture.Capture
	onStatus func(Status)

	sent     atomic.Int64
	dropped  atomic.Int64
	received atomic.Int64
	signals  atomic.Int64
}

// New creates a session controller. Configuration errors are reported here,
// before any device or connection is touched.
func New(config Config, scheduler *player.Scheduler) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if scheduler == nil {
		return nil, fmt.Errorf("session requires a playback scheduler")
	}
	if config.Input == "" {
		config.Input = "mic"
	}
	if config.DiscoverTimeout <= 0 {
		config.DiscoverTimeout = DefaultDiscoverTimeout
	}

	return &Session{
		config:     config,
		scheduler:  scheduler,
		openDevice: capture.Open,
		lookup:     discovery.Lookup,
		status:     Status{State: Ready, Message: "Ready"},
	}, nil
}

// OnStatus registers a callback for every status change
func (s *Session) OnStatus(fn func(Status)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

// Status returns the current status
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return s.Status().State
}

// Stats returns traffic and playback statistics
func (s *Session) Stats() Stats {
	return Stats{
		ChunksSent:     s.sent.Load(),
		ChunksDropped:  s.dropped.Load(),
		ChunksReceived: s.received.Load(),
		Signals:        s.signals.Load(),
		Playback:       s.scheduler.Stats(),
	}
}

// setStatus moves to state with a status message, clearing any error
func (s *Session) setStatus(state State, message string) {
	s.mu.Lock()
	s.status = Status{State: state, Message: message}
	s.mu.Unlock()
	s.notify()
}

// setError moves to state and shows an error, keeping the status message
func (s *Session) setError(state State, message string) {
	s.mu.Lock()
	s.status.State = state
	s.status.Error = message
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onStatus
	status := s.status
	s.mu.Unlock()

	log.Printf("Session %s: %s %s", status.State, status.Message, status.Error)
	if fn != nil {
		fn(status)
	}
}

// Start acquires the capture device and dials the relay. Recording begins once
// the channel opens.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status.State != Ready || s.starting {
		state := s.status.State
		s.mu.Unlock()
		return fmt.Errorf("session already active (%s)", state)
	}
	s.gen++
	gen := s.gen
	s.starting = true
	s.status = Status{State: RequestingCapture, Message: "Requesting microphone access"}
	s.mu.Unlock()
	s.notify()

	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	endpoint, err := s.resolveEndpoint(ctx, gen)
	if s.superseded(gen) {
		return ErrStopped
	}
	if err != nil {
		s.setStatus(Ready, "Ready")
		s.setError(Ready, fmt.Sprintf("Discovery Failed: %v", err))
		return err
	}

	device, err := s.openDevice(s.config.Input)
	if err != nil {
		if s.superseded(gen) {
			return ErrStopped
		}
		s.setError(Ready, fmt.Sprintf("Mic Error: %v", err))
		return fmt.Errorf("failed to acquire capture device: %w", err)
	}

	capt, err := capture.New(device)
	if err != nil {
		device.Stop()
		if s.superseded(gen) {
			return ErrStopped
		}
		s.setError(Ready, fmt.Sprintf("Mic Error: %v", err))
		return fmt.Errorf("failed to set up capture: %w", err)
	}

	if !s.advance(gen, Connecting, "Microphone enabled") || !s.advance(gen, Connecting, "Connecting...") {
		capt.Disconnect()
		return ErrStopped
	}

	ch, err := client.Dial(ctx, client.Config{
		URL:            endpoint,
		ConnectTimeout: s.config.ConnectTimeout,
		Signals:        s.scheduler.Policy().WantsSignals(),
	})
	if err != nil {
		capt.Disconnect()
		if s.superseded(gen) {
			return ErrStopped
		}
		s.setStatus(Ready, "Ready")
		s.setError(Ready, "Connection Failed")
		return fmt.Errorf("failed to dial relay: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		ch.Close(protocol.CloseNormal, protocol.ReasonUserStopped)
		capt.Disconnect()
		return ErrStopped
	}
	s.channel = ch
	s.capture = capt
	s.mu.Unlock()

	go s.watch(ch, capt)
	return nil
}

func (s *Session) resolveEndpoint(ctx context.Context, gen uint64) (string, error) {
	if s.config.Endpoint != "" {
		return s.config.Endpoint, nil
	}

	if !s.advance(gen, RequestingCapture, "Discovering relay...") {
		return "", ErrStopped
	}
	info, err := s.lookup(ctx, s.config.DiscoverTimeout)
	if err != nil {
		return "", fmt.Errorf("relay discovery failed: %w", err)
	}

	log.Printf("Discovered relay %s at %s", info.Name, info.URL())
	if !s.advance(gen, RequestingCapture, "Requesting microphone access") {
		return "", ErrStopped
	}
	return info.URL(), nil
}

// superseded reports whether Stop has run since the start attempt gen began
func (s *Session) superseded(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

// advance sets the status on behalf of start attempt gen. It does nothing and
// returns false once Stop has superseded that attempt.
func (s *Session) advance(gen uint64, state State, message string) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.status = Status{State: state, Message: message}
	s.mu.Unlock()
	s.notify()
	return true
}

// current reports whether ch is still the session's channel
func (s *Session) current(ch *client.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel == ch
}

// watch handles channel events and capture failures until the channel's event
// stream ends. Events from a channel the session has let go of are ignored.
func (s *Session) watch(ch *client.Channel, capt *capture.Capture) {
	captureErrs := capt.Errors()

	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			if !s.current(ch) {
				continue
			}
			s.handleEvent(ch, capt, ev)

		case err, ok := <-captureErrs:
			if !ok {
				captureErrs = nil
				continue
			}
			if !s.current(ch) {
				captureErrs = nil
				continue
			}
			log.Printf("Capture failed mid-session: %v", err)
			s.setError(Error, fmt.Sprintf("Mic Error: %v", err))
			s.release(ch, protocol.CloseError, protocol.ReasonCaptureFailed)
			captureErrs = nil
		}
	}
}

func (s *Session) handleEvent(ch *client.Channel, capt *capture.Capture, ev client.Event) {
	switch ev.Kind {
	case client.EventOpen:
		s.setStatus(Connecting, "Connected")

		err := capt.Connect(func(chunk audio.Chunk) {
			if ch.Send(chunk.Bytes()) {
				s.sent.Add(1)
			} else {
				s.dropped.Add(1)
			}
		})
		if err != nil {
			if !s.current(ch) {
				return
			}
			s.setError(Error, fmt.Sprintf("Mic Error: %v", err))
			s.release(ch, protocol.CloseError, protocol.ReasonCaptureFailed)
			return
		}
		s.setStatus(Recording, "🔴 Recording")

	case client.EventMessage:
		s.received.Add(1)
		s.scheduler.Enqueue(audio.NewChunk(ev.Data, audio.OutputFormat))

	case client.EventSignal:
		s.signals.Add(1)
		s.scheduler.Signal(ev.Signal)

	case client.EventError:
		log.Printf("Relay channel error: %v", ev.Err)
		s.setError(Error, "Connection Failed")

	case client.EventClosed:
		reason := ev.Reason
		if reason == "" {
			reason = "Normal"
		}
		s.mu.Lock()
		s.status.State = Closed
		s.status.Message = fmt.Sprintf("Disconnected: %s", reason)
		s.mu.Unlock()
		s.notify()
		s.release(ch, protocol.CloseNormal, protocol.ReasonUserStopped)
	}
}

// release runs the stop path for ch if it is still current: close the channel,
// disconnect capture and return to Ready. The status message is kept.
func (s *Session) release(ch *client.Channel, code int, reason string) bool {
	s.mu.Lock()
	if ch != nil && s.channel != ch {
		s.mu.Unlock()
		return false
	}
	channel := s.channel
	capt := s.capture
	s.channel = nil
	s.capture = nil
	s.status.State = Ready
	s.mu.Unlock()

	if channel != nil {
		channel.Close(code, reason)
	}
	if capt != nil {
		capt.Disconnect()
	}

	s.notify()
	return true
}

// Stop ends the session. Safe to call in any state and more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	s.gen++
	active := s.channel != nil || s.capture != nil
	s.mu.Unlock()

	if active {
		log.Printf("Stopping session")
		s.release(nil, protocol.CloseNormal, protocol.ReasonUserStopped)
	}
	s.setStatus(Ready, "Ready")
}

// Reset silences queued playback. It is refused while recording.
func (s *Session) Reset() bool {
	if s.State() == Recording {
		return false
	}

	s.scheduler.Interrupt()
	s.setStatus(s.State(), "Session Reset")
	return true
}
