// ABOUTME: Tests for the relay server
// ABOUTME: Drives real websocket clients against the relay with a fake upstream
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentshifty/liverelay/internal/metrics"
	"github.com/agentshifty/liverelay/internal/protocol"
	"github.com/agentshifty/liverelay/internal/upstream"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSession struct {
	sent   chan []byte
	events chan upstream.Event
	errs   chan error

	closed     chan struct{}
	closeOnce  sync.Once
	closeCount atomic.Int32

	// stall makes Send hang until Close, like a write to a dead peer
	stall   bool
	stalled chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		sent:    make(chan []byte, 16),
		events:  make(chan upstream.Event, 16),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
		stalled: make(chan struct{}, 1),
	}
}

func (f *fakeSession) Send(data []byte) error {
	select {
	case <-f.closed:
		return upstream.ErrClosed
	default:
	}
	if f.stall {
		select {
		case f.stalled <- struct{}{}:
		default:
		}
		<-f.closed
		return upstream.ErrClosed
	}
	f.sent <- append([]byte(nil), data...)
	return nil
}

func (f *fakeSession) Recv() (upstream.Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case err := <-f.errs:
		return upstream.Event{}, err
	case <-f.closed:
		return upstream.Event{}, upstream.ErrClosed
	}
}

func (f *fakeSession) Close() error {
	f.closeCount.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	err      error
	stall    bool
	sessions chan *fakeSession
	configs  chan upstream.Config
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		sessions: make(chan *fakeSession, 8),
		configs:  make(chan upstream.Config, 8),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, config upstream.Config) (upstream.Session, error) {
	d.configs <- config
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeSession()
	s.stall = d.stall
	d.sessions <- s
	return s, nil
}

func newTestServer(t *testing.T, dialer upstream.Dialer) (*Server, *metrics.Metrics, string) {
	t.Helper()

	m := metrics.New()
	s := New(Config{
		Name:    "test relay",
		Metrics: true,
		Upstream: upstream.Config{
			Model:             "test-model",
			SystemInstruction: "be brief",
		},
		ConnectTimeout: time.Second,
	}, dialer, m)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return s, m, srv.URL
}

func dialRelay(t *testing.T, base string, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(base, "http") + protocol.Path
	if query != "" {
		url += "?" + query
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func nextSession(t *testing.T, d *fakeDialer) *fakeSession {
	t.Helper()

	select {
	case s := <-d.sessions:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for upstream session")
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectClose(t *testing.T, conn *websocket.Conn, code int, reason string) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close frame, got %v", err)
		}
		if ce.Code != code || ce.Text != reason {
			t.Errorf("expected close %d %q, got %d %q", code, reason, ce.Code, ce.Text)
		}
		return
	}
}

func TestForwardsBlocksInOrder(t *testing.T) {
	d := newFakeDialer()
	s, m, base := newTestServer(t, d)

	conn := dialRelay(t, base, "")
	session := nextSession(t, d)

	cfg := <-d.configs
	if cfg.Model != "test-model" || cfg.SystemInstruction != "be brief" {
		t.Errorf("unexpected upstream config: %+v", cfg)
	}

	// Three 4096-frame blocks of 16-bit PCM
	for i := 0; i < 3; i++ {
		block := make([]byte, 8192)
		block[0] = byte(i)
		if err := conn.WriteMessage(websocket.BinaryMessage, block); err != nil {
			t.Fatalf("WriteMessage() failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case data := <-session.sent:
			if len(data) != 8192 || data[0] != byte(i) {
				t.Errorf("block %d: forwarded %d bytes starting %d", i, len(data), data[0])
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("block %d never reached upstream", i)
		}
	}

	// Text frames from the client are not forwarded
	conn.WriteMessage(websocket.TextMessage, []byte("hello"))

	session.events <- upstream.Event{Audio: []byte{1, 2, 3, 4}}
	session.events <- upstream.Event{Audio: []byte{5, 6}}

	for _, want := range [][]byte{{1, 2, 3, 4}, {5, 6}} {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() failed: %v", err)
		}
		if mt != websocket.BinaryMessage || string(data) != string(want) {
			t.Errorf("expected binary %v, got type %d %v", want, mt, data)
		}
	}

	select {
	case data := <-session.sent:
		t.Errorf("unexpected upstream frame %v", data)
	default:
	}

	waitFor(t, "inbound frame metrics", func() bool {
		return testutil.ToFloat64(m.FramesForwarded.WithLabelValues(metrics.Inbound)) == 3
	})
	if got := testutil.ToFloat64(m.FramesForwarded.WithLabelValues(metrics.Outbound)); got != 2 {
		t.Errorf("expected 2 outbound frames, got %v", got)
	}
	waitFor(t, "session frame counts", func() bool {
		sessions := s.Sessions()
		return len(sessions) == 1 && sessions[0].FramesIn == 3 && sessions[0].FramesOut == 2
	})
}

func TestOneSessionPerConnection(t *testing.T) {
	d := newFakeDialer()
	s, m, base := newTestServer(t, d)

	first := dialRelay(t, base, "")
	firstSession := nextSession(t, d)
	dialRelay(t, base, "")
	secondSession := nextSession(t, d)

	waitFor(t, "two registered connections", func() bool { return s.ConnectionCount() == 2 })

	first.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(protocol.CloseNormal, protocol.ReasonUserStopped))
	first.Close()

	waitFor(t, "first session teardown", func() bool { return s.ConnectionCount() == 1 })

	select {
	case <-firstSession.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("first upstream session never closed")
	}
	if n := firstSession.closeCount.Load(); n != 1 {
		t.Errorf("expected upstream session closed once, got %d", n)
	}

	select {
	case <-secondSession.closed:
		t.Error("second session closed with the first connection")
	default:
	}

	if got := testutil.ToFloat64(m.SessionsCreated); got != 2 {
		t.Errorf("expected 2 sessions created, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("expected 1 active session, got %v", got)
	}
}

func TestUpstreamConnectFailure(t *testing.T) {
	d := newFakeDialer()
	d.err = errors.New("quota exceeded")
	s, m, base := newTestServer(t, d)

	conn := dialRelay(t, base, "")
	expectClose(t, conn, protocol.CloseError, protocol.ReasonUpstreamConnect)

	if n := s.ConnectionCount(); n != 0 {
		t.Errorf("expected no registered connections, got %d", n)
	}
	if got := testutil.ToFloat64(m.UpstreamConnectFailures); got != 1 {
		t.Errorf("expected 1 connect failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsCreated); got != 0 {
		t.Errorf("expected no sessions created, got %v", got)
	}
}

func TestUpstreamErrorClosesConnection(t *testing.T) {
	d := newFakeDialer()
	s, m, base := newTestServer(t, d)

	conn := dialRelay(t, base, "")
	session := nextSession(t, d)

	session.errs <- errors.New("stream reset")
	expectClose(t, conn, protocol.CloseError, protocol.ReasonUpstreamError)

	select {
	case <-session.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream session never closed")
	}
	waitFor(t, "deregistration", func() bool { return s.ConnectionCount() == 0 })

	if got := testutil.ToFloat64(m.UpstreamErrors); got != 1 {
		t.Errorf("expected 1 upstream error, got %v", got)
	}
}

func TestNoForwardingAfterTeardown(t *testing.T) {
	s := New(Config{}, newFakeDialer(), nil)
	session := newFakeSession()
	c := &Conn{
		ID:       "conn-1",
		Created:  time.Now(),
		session:  session,
		sendChan: make(chan outbound, 1),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.conns[c.ID] = c

	s.forwardInbound(c, []byte{1, 2})
	if len(session.sent) != 1 {
		t.Fatalf("expected one frame forwarded before teardown, got %d", len(session.sent))
	}

	s.teardown(c)
	s.teardown(c)

	if n := session.closeCount.Load(); n != 1 {
		t.Errorf("expected session closed once, got %d", n)
	}
	if s.ConnectionCount() != 0 {
		t.Error("expected connection deregistered")
	}

	s.forwardInbound(c, []byte{3, 4})
	if len(session.sent) != 1 {
		t.Error("frame forwarded upstream after teardown")
	}
	if s.send(c, outbound{messageType: websocket.BinaryMessage, data: []byte{5}}) {
		t.Error("frame queued for client after teardown")
	}
}

func waitStalled(t *testing.T, session *fakeSession) {
	t.Helper()

	select {
	case <-session.stalled:
	case <-time.After(3 * time.Second):
		t.Fatal("frame never reached the upstream session")
	}
}

func TestStalledUpstreamSendDoesNotBlockErrorClose(t *testing.T) {
	d := newFakeDialer()
	d.stall = true
	s, _, base := newTestServer(t, d)

	conn := dialRelay(t, base, "")
	session := nextSession(t, d)

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 8192)); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
	waitStalled(t, session)

	session.errs <- errors.New("stream reset")
	expectClose(t, conn, protocol.CloseError, protocol.ReasonUpstreamError)

	if n := session.closeCount.Load(); n != 1 {
		t.Errorf("expected session closed once, got %d", n)
	}
	waitFor(t, "deregistration", func() bool { return s.ConnectionCount() == 0 })
}

func TestStalledUpstreamSendDoesNotBlockShutdown(t *testing.T) {
	d := newFakeDialer()
	d.stall = true
	s, _, base := newTestServer(t, d)

	conn := dialRelay(t, base, "")
	session := nextSession(t, d)

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 8192)); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}
	waitStalled(t, session)

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.shutdown(ctx)
		close(done)
	}()

	expectClose(t, conn, protocol.CloseNormal, protocol.ReasonShuttingDown)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown hung on a stalled upstream send")
	}
}

func TestSendUnblocksOnTeardown(t *testing.T) {
	s := New(Config{}, newFakeDialer(), nil)
	c := &Conn{
		ID:       "conn-1",
		Created:  time.Now(),
		session:  newFakeSession(),
		sendChan: make(chan outbound), // never drained
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.conns[c.ID] = c

	result := make(chan bool, 1)
	go func() {
		result <- s.send(c, outbound{messageType: websocket.BinaryMessage, data: []byte{1}})
	}()

	time.Sleep(20 * time.Millisecond)
	s.teardown(c)

	select {
	case ok := <-result:
		if ok {
			t.Error("expected blocked send to be abandoned")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("teardown deadlocked with a blocked sender")
	}
}

func TestSignalsOnlyWhenRequested(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		wantSignals bool
	}{
		{"binary only", "", false},
		{"signals opt-in", protocol.SignalsParam + "=1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer()
			_, _, base := newTestServer(t, d)

			conn := dialRelay(t, base, tt.query)
			session := nextSession(t, d)

			session.events <- upstream.Event{Signal: protocol.SignalInterrupted}
			session.events <- upstream.Event{Audio: []byte{9, 9}}

			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			mt, data, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() failed: %v", err)
			}

			if tt.wantSignals {
				if mt != websocket.TextMessage {
					t.Fatalf("expected text signal frame, got type %d", mt)
				}
				sig, err := protocol.DecodeSignal(data)
				if err != nil || sig.Type != protocol.SignalInterrupted {
					t.Errorf("expected interrupted signal, got %q (%v)", data, err)
				}
				mt, data, err = conn.ReadMessage()
				if err != nil {
					t.Fatalf("ReadMessage() failed: %v", err)
				}
			}

			if mt != websocket.BinaryMessage || len(data) != 2 {
				t.Errorf("expected 2-byte binary frame, got type %d %v", mt, data)
			}
		})
	}
}

func TestEchoUpstreamEndToEnd(t *testing.T) {
	_, _, base := newTestServer(t, upstream.NewEcho())

	conn := dialRelay(t, base, "")
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 8192)); err != nil {
		t.Fatalf("WriteMessage() failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	if mt != websocket.BinaryMessage || len(data) == 0 || len(data)%2 != 0 {
		t.Errorf("expected whole 16-bit frames, got type %d with %d bytes", mt, len(data))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, _, base := newTestServer(t, newFakeDialer())

	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "ok 0"},
		{"/metrics", "liverelay_active_sessions 0"},
	}

	for _, tt := range tests {
		resp, err := http.Get(base + tt.path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status %d", tt.path, resp.StatusCode)
		}
		if !strings.Contains(string(body), tt.want) {
			t.Errorf("GET %s: expected %q in body", tt.path, tt.want)
		}
	}
}

func TestShutdownClosesNormally(t *testing.T) {
	d := newFakeDialer()
	s, _, base := newTestServer(t, d)

	conn := dialRelay(t, base, "")
	session := nextSession(t, d)
	waitFor(t, "registration", func() bool { return s.ConnectionCount() == 1 })

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.shutdown(ctx)
		close(done)
	}()

	expectClose(t, conn, protocol.CloseNormal, protocol.ReasonShuttingDown)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not finish")
	}

	select {
	case <-session.closed:
	default:
		t.Error("upstream session still open after shutdown")
	}

	// New connections are refused
	url := "ws" + strings.TrimPrefix(base, "http") + protocol.Path
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("expected dial to fail during shutdown")
	} else if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected health check to fail during shutdown, got %d", resp.StatusCode)
	}
}
