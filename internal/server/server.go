// ABOUTME: Relay server implementation
// ABOUTME: Accepts client websockets and bridges each one to its own upstream AI session
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentshifty/liverelay/internal/discovery"
	"github.com/agentshifty/liverelay/internal/metrics"
	"github.com/agentshifty/liverelay/internal/protocol"
	"github.com/agentshifty/liverelay/internal/upstream"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// pingInterval keeps idle client connections alive through proxies
	pingInterval = 30 * time.Second

	writeDeadline = 10 * time.Second

	// closeGrace is how long a close handshake may take before the socket is dropped
	closeGrace = 2 * time.Second

	sendBuffer = 256
)

// Config holds server configuration
type Config struct {
	Address    string // host:port to listen on
	Port       int
	Path       string
	ReadLimit  int64
	Name       string
	EnableMDNS bool
	Metrics    bool
	Debug      bool
	UseTUI     bool

	// Upstream is the fixed configuration every session is opened with
	Upstream       upstream.Config
	ConnectTimeout time.Duration
}

// Server is the relay process
type Server struct {
	config  Config
	dialer  upstream.Dialer
	metrics *metrics.Metrics

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// HTTP server
	httpServer *http.Server
	mux        *http.ServeMux

	// Connection registry
	conns   map[string]*Conn
	connsMu sync.RWMutex

	// mDNS discovery
	mdnsManager *discovery.Manager

	// TUI
	tui       *ServerTUI
	startTime time.Time

	// Control
	stopChan   chan struct{}
	stopOnce   sync.Once
	shutdownMu sync.RWMutex
	isShutdown bool
	wg         sync.WaitGroup
}

// Conn is the per-connection context: one client websocket and its upstream session
type Conn struct {
	ID         string
	RemoteAddr string
	Signals    bool
	Created    time.Time

	ws      *websocket.Conn
	session upstream.Session

	// Outbound frames for the writer
	sendChan chan outbound

	// stop is closed when teardown begins
	stop chan struct{}

	// finished is closed once every task of the connection has exited
	finished chan struct{}

	mu       sync.RWMutex
	closing  bool
	stopOnce sync.Once
	tornDown sync.Once

	framesIn  atomic.Int64
	framesOut atomic.Int64
}

type outbound struct {
	messageType int
	data        []byte
}

// New creates a relay server that opens sessions with dialer
func New(config Config, dialer upstream.Dialer, m *metrics.Metrics) *Server {
	if config.Path == "" {
		config.Path = protocol.Path
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = upstream.DefaultConnectTimeout
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		config:  config,
		dialer:  dialer,
		metrics: m,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients are served from other origins; there is no session cookie to protect
				return true
			},
		},
		conns:     make(map[string]*Conn),
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
	}

	s.mux.HandleFunc("/healthz", s.handleHealth)
	if config.Metrics {
		s.mux.Handle("/metrics", m.Handler())
	}
	s.mux.HandleFunc(config.Path, s.handleWebSocket)

	return s
}

// Handler returns the HTTP handler serving the relay
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens and serves until Stop is called or the TUI quits
func (s *Server) Start() error {
	if s.config.UseTUI {
		s.tui = NewServerTUI()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tui.Start(s.config.Name, s.config.Port, s.describeUpstream())
		}()

		// Give TUI time to initialize
		time.Sleep(100 * time.Millisecond)
	}

	log.Printf("Relay starting: %s (model: %s)", s.config.Name, s.config.Upstream.Model)

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		if s.tui != nil {
			s.tui.Stop()
		}
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	log.Printf("WebSocket server listening on %s%s", listener.Addr(), s.config.Path)

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			Path:        s.config.Path,
		})

		if err := s.mdnsManager.Advertise(); err != nil {
			log.Printf("Failed to start mDNS advertisement: %v", err)
		} else {
			log.Printf("mDNS advertisement started")
		}
	}

	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serverErr error
	var tuiQuitChan <-chan struct{}
	if s.tui != nil {
		tuiQuitChan = s.tui.QuitChan()
	}

	select {
	case <-s.stopChan:
		log.Printf("Relay shutting down...")
	case <-tuiQuitChan:
		log.Printf("TUI quit requested, shutting down...")
	case err := <-errChan:
		log.Printf("HTTP server error: %v", err)
		serverErr = err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.shutdown(ctx)

	if s.tui != nil {
		s.tui.Stop()
	}

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	s.wg.Wait()
	log.Printf("Relay stopped cleanly")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// shutdown rejects new connections, closes every open channel normally and
// waits for their upstream sessions to be torn down
func (s *Server) shutdown(ctx context.Context) {
	s.shutdownMu.Lock()
	s.isShutdown = true
	s.shutdownMu.Unlock()

	s.connsMu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.RUnlock()

	for _, c := range conns {
		s.closeConn(c, protocol.CloseNormal, protocol.ReasonShuttingDown)
	}

	for _, c := range conns {
		select {
		case <-c.finished:
		case <-ctx.Done():
			log.Printf("Timed out waiting for connection %s to finish", c.ID)
			return
		}
	}
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShutdown
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ok %d\n", s.ConnectionCount())
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	log.Printf("New WebSocket connection from %s", r.RemoteAddr)

	s.handleConnection(ws, r.RemoteAddr, r.URL.Query().Get(protocol.SignalsParam) == "1")
}

// handleConnection opens the upstream session and runs the connection's tasks
// until either side goes away
func (s *Server) handleConnection(ws *websocket.Conn, remoteAddr string, signals bool) {
	defer ws.Close()

	if s.config.ReadLimit > 0 {
		ws.SetReadLimit(s.config.ReadLimit)
	}

	dialStart := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ConnectTimeout)
	session, err := s.dialer.Dial(ctx, s.config.Upstream)
	cancel()
	if err != nil {
		log.Printf("Failed to establish upstream session for %s: %v", remoteAddr, err)
		s.metrics.RecordConnectFailure()
		closeWebSocket(ws, protocol.CloseError, protocol.ReasonUpstreamConnect)
		return
	}

	c := &Conn{
		ID:         uuid.New().String(),
		RemoteAddr: remoteAddr,
		Signals:    signals,
		Created:    time.Now(),
		ws:         ws,
		session:    session,
		sendChan:   make(chan outbound, sendBuffer),
		stop:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	defer close(c.finished)

	if !s.register(c) {
		session.Close()
		closeWebSocket(ws, protocol.CloseNormal, protocol.ReasonShuttingDown)
		return
	}
	s.metrics.RecordSessionCreated(time.Since(dialStart).Seconds())
	log.Printf("Session %s opened for %s (signals: %v)", c.ID, remoteAddr, signals)

	var tasks sync.WaitGroup
	tasks.Add(2)
	go func() {
		defer tasks.Done()
		s.connWriter(c)
	}()
	go func() {
		defer tasks.Done()
		s.upstreamPump(c)
	}()

	s.clientReader(c)

	s.teardown(c)
	tasks.Wait()
}

// register adds a connection to the registry unless the server is shutting down
func (s *Server) register(c *Conn) bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.isShutdown {
		return false
	}

	s.connsMu.Lock()
	s.conns[c.ID] = c
	s.connsMu.Unlock()

	s.updateTUI()
	return true
}

// clientReader forwards client binary frames to the upstream session until the
// client goes away
func (s *Server) clientReader(c *Conn) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("WebSocket error on %s: %v", c.ID, err)
			}
			return
		}

		if messageType != websocket.BinaryMessage {
			if s.config.Debug {
				log.Printf("[DEBUG] Ignoring text frame from %s", c.ID)
			}
			continue
		}

		s.forwardInbound(c, data)
	}
}

// forwardInbound sends one client frame upstream unless teardown has begun.
// No lock is held across Send: teardown closes the session first, which fails
// any Send still in flight or started afterwards.
func (s *Server) forwardInbound(c *Conn, data []byte) {
	select {
	case <-c.stop:
		s.metrics.RecordDropped(metrics.Inbound)
		return
	default:
	}

	if err := c.session.Send(data); err != nil {
		select {
		case <-c.stop:
			s.metrics.RecordDropped(metrics.Inbound)
			return
		default:
		}
		log.Printf("Error sending audio upstream for %s: %v", c.ID, err)
		s.metrics.RecordUpstreamError()
		return
	}
	c.framesIn.Add(1)
	s.metrics.RecordFrame(metrics.Inbound, len(data))
}

// upstreamPump forwards upstream audio and signals to the client writer
func (s *Server) upstreamPump(c *Conn) {
	for {
		ev, err := c.session.Recv()
		if err != nil {
			select {
			case <-c.stop:
				// Session closed by teardown
				return
			default:
			}
			log.Printf("Upstream session error for %s: %v", c.ID, err)
			s.metrics.RecordUpstreamError()
			s.closeConn(c, protocol.CloseError, protocol.ReasonUpstreamError)
			return
		}

		if len(ev.Audio) > 0 {
			if s.send(c, outbound{messageType: websocket.BinaryMessage, data: ev.Audio}) {
				s.metrics.RecordFrame(metrics.Outbound, len(ev.Audio))
			} else {
				s.metrics.RecordDropped(metrics.Outbound)
			}
		}

		if ev.Signal != "" && c.Signals {
			data, err := protocol.EncodeSignal(ev.Signal)
			if err != nil {
				log.Printf("Error encoding signal: %v", err)
				continue
			}
			if s.send(c, outbound{messageType: websocket.TextMessage, data: data}) {
				s.metrics.RecordSignal(ev.Signal)
			}
		}
	}
}

// send queues a frame for the writer. It blocks while the buffer is full and
// gives up once teardown begins.
func (s *Server) send(c *Conn, msg outbound) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closing {
		return false
	}

	select {
	case c.sendChan <- msg:
		if msg.messageType == websocket.BinaryMessage {
			c.framesOut.Add(1)
		}
		return true
	case <-c.stop:
		return false
	}
}

// connWriter writes queued frames to the client
func (s *Server) connWriter(c *Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return

		case msg, ok := <-c.sendChan:
			if !ok {
				return
			}

			// Nothing is written once teardown has begun
			select {
			case <-c.stop:
				return
			default:
			}

			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				log.Printf("Error writing to %s: %v", c.ID, err)
				// Unblocks the reader, which tears the connection down
				c.ws.Close()
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

// closeConn starts teardown and sends a close frame with code and reason.
// The socket is dropped if the client does not answer within closeGrace.
func (s *Server) closeConn(c *Conn, code int, reason string) {
	first := false
	c.stopOnce.Do(func() { first = true })
	if !first {
		return
	}

	s.teardown(c)

	log.Printf("Closing %s: %d %s", c.ID, code, reason)
	closeWebSocket(c.ws, code, reason)
	time.AfterFunc(closeGrace, func() { c.ws.Close() })
}

// teardown stops forwarding in both directions, closes the upstream session and
// deregisters the connection. Runs exactly once per connection.
func (s *Server) teardown(c *Conn) {
	c.tornDown.Do(func() {
		close(c.stop)

		// Closing the session unblocks a stalled upstream Send
		if err := c.session.Close(); err != nil {
			log.Printf("Error closing upstream session for %s: %v", c.ID, err)
		}

		c.mu.Lock()
		c.closing = true
		close(c.sendChan)
		c.mu.Unlock()

		s.connsMu.Lock()
		delete(s.conns, c.ID)
		s.connsMu.Unlock()

		s.metrics.RecordSessionDestroyed(time.Since(c.Created).Seconds())
		log.Printf("Session %s closed", c.ID)

		s.updateTUI()
	})
}

// closeWebSocket writes a close frame
func closeWebSocket(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline)); err != nil && err != websocket.ErrCloseSent {
		log.Printf("Error sending close frame: %v", err)
	}
}

// ConnectionCount returns the number of connections with a live session
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// Sessions returns a snapshot of the live sessions, oldest first
func (s *Server) Sessions() []SessionInfo {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()

	sessions := make([]SessionInfo, 0, len(s.conns))
	for _, c := range s.conns {
		sessions = append(sessions, SessionInfo{
			ID:         c.ID,
			RemoteAddr: c.RemoteAddr,
			Signals:    c.Signals,
			Created:    c.Created,
			FramesIn:   c.framesIn.Load(),
			FramesOut:  c.framesOut.Load(),
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Created.Before(sessions[j].Created)
	})
	return sessions
}

func (s *Server) describeUpstream() string {
	if s.config.Upstream.Model == "" {
		return "unknown"
	}
	return s.config.Upstream.Model
}
