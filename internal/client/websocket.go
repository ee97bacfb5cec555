// ABOUTME: Relay channel over a WebSocket connection
// ABOUTME: Connects in the background and reports lifecycle and audio as events
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/agentshifty/liverelay/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	// DefaultConnectTimeout bounds the websocket handshake
	DefaultConnectTimeout = 10 * time.Second

	writeWait  = 5 * time.Second
	closeGrace = 2 * time.Second

	// closeAbnormal is reported when the transport dies without a close frame
	closeAbnormal = websocket.CloseAbnormalClosure
)

// State of a relay channel
type State int

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// EventKind identifies a channel event
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventSignal
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventSignal:
		return "signal"
	case EventError:
		return "error"
	default:
		return "closed"
	}
}

// Event is delivered on the channel's Events stream
type Event struct {
	Kind   EventKind
	Data   []byte // EventMessage: one binary frame
	Signal string // EventSignal: signal type
	Err    error  // EventError
	Code   int    // EventClosed: close code
	Reason string // EventClosed: close reason
}

// Config holds channel configuration
type Config struct {
	// URL is the relay endpoint, ws:// or wss://
	URL string

	// ConnectTimeout bounds the handshake; defaults to DefaultConnectTimeout
	ConnectTimeout time.Duration

	// Signals asks the relay for turn signal text frames
	Signals bool
}

// Channel is a bidirectional binary message channel to the relay
type Channel struct {
	config Config
	url    string

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	code   int
	reason string

	writeMu sync.Mutex

	events    chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// ValidateURL checks that endpoint is a usable websocket URL
func ValidateURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid relay endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid relay endpoint %q: scheme must be ws or wss", endpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid relay endpoint %q: missing host", endpoint)
	}
	return u, nil
}

// Dial starts connecting to the relay and returns immediately in state
// Connecting. The outcome arrives on Events: EventOpen, or EventError
// followed by EventClosed. Consumers must drain Events until it is closed.
func Dial(ctx context.Context, config Config) (*Channel, error) {
	u, err := ValidateURL(config.URL)
	if err != nil {
		return nil, err
	}

	if config.Signals {
		q := u.Query()
		q.Set(protocol.SignalsParam, "1")
		u.RawQuery = q.Encode()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}

	cctx, cancel := context.WithCancel(ctx)

	c := &Channel{
		config: config,
		url:    u.String(),
		state:  Connecting,
		events: make(chan Event, 256),
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.run()

	return c, nil
}

// Events returns the event stream. It is closed after EventClosed.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State returns the current channel state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL returns the dialed URL including query parameters
func (c *Channel) URL() string {
	return c.url
}

// Done is closed once the channel has fully shut down
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) emit(ev Event) {
	c.events <- ev
}

func (c *Channel) run() {
	defer close(c.done)
	defer close(c.events)
	defer c.cancel()

	log.Printf("Connecting to %s", c.url)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.config.ConnectTimeout,
	}

	dctx, dcancel := context.WithTimeout(c.ctx, c.config.ConnectTimeout)
	conn, _, err := dialer.DialContext(dctx, c.url, nil)
	dcancel()

	if err != nil {
		c.mu.Lock()
		userClosed := c.state == Closed
		c.state = Closed
		code, reason := c.code, c.reason
		c.mu.Unlock()

		if userClosed {
			c.emit(Event{Kind: EventClosed, Code: code, Reason: reason})
			return
		}

		log.Printf("Connection failed: %v", err)
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("dial failed: %w", err)})
		c.emit(Event{Kind: EventClosed, Code: closeAbnormal})
		return
	}

	c.mu.Lock()
	if c.state == Closed {
		// Closed while the handshake was completing
		code, reason := c.code, c.reason
		c.mu.Unlock()
		c.sendClose(conn, code, reason)
		conn.Close()
		c.emit(Event{Kind: EventClosed, Code: code, Reason: reason})
		return
	}
	c.conn = conn
	c.state = Open
	c.mu.Unlock()

	log.Printf("Connected to relay")
	c.emit(Event{Kind: EventOpen})

	c.readLoop(conn)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.emit(Event{Kind: EventMessage, Data: data})
		case websocket.TextMessage:
			if !c.config.Signals {
				log.Printf("Ignoring unexpected text frame (%d bytes)", len(data))
				continue
			}
			sig, err := protocol.DecodeSignal(data)
			if err != nil {
				log.Printf("Ignoring text frame: %v", err)
				continue
			}
			c.emit(Event{Kind: EventSignal, Signal: sig.Type})
		}
	}
}

// finish reports how the connection ended
func (c *Channel) finish(err error) {
	c.mu.Lock()
	userClosed := c.state == Closed
	c.state = Closed
	userCode, userReason := c.code, c.reason
	c.mu.Unlock()

	if userClosed {
		c.emit(Event{Kind: EventClosed, Code: userCode, Reason: userReason})
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure {
			log.Printf("Relay closed the connection: %d %s", ce.Code, ce.Text)
			c.emit(Event{Kind: EventClosed, Code: ce.Code, Reason: ce.Text})
			return
		}
		log.Printf("Relay closed the connection with error: %d %s", ce.Code, ce.Text)
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("relay closed connection: %w", err)})
		c.emit(Event{Kind: EventClosed, Code: ce.Code, Reason: ce.Text})
		return
	}

	log.Printf("Read error: %v", err)
	c.emit(Event{Kind: EventError, Err: fmt.Errorf("connection lost: %w", err)})
	c.emit(Event{Kind: EventClosed, Code: closeAbnormal})
}

// Send writes one binary frame. Frames are dropped unless the channel is open.
func (c *Channel) Send(data []byte) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == Open
	c.mu.Unlock()

	if !open {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		log.Printf("Send failed: %v", err)
		return false
	}
	return true
}

// Close closes the channel with the given code and reason. Only the first
// call has any effect.
func (c *Channel) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = Closed
		c.code = code
		c.reason = reason
		conn := c.conn
		c.mu.Unlock()

		switch prev {
		case Connecting:
			c.cancel()
		case Open:
			log.Printf("Closing connection: %d %s", code, reason)
			c.sendClose(conn, code, reason)
			// Wait briefly for the relay to echo the close frame
			time.AfterFunc(closeGrace, func() { conn.Close() })
		}
	})
}

func (c *Channel) sendClose(conn *websocket.Conn, code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		log.Printf("Failed to send close frame: %v", err)
	}
}
