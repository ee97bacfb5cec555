// ABOUTME: Tests for the relay channel
// ABOUTME: Tests lifecycle events, binary forwarding, signals and close handling
package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentshifty/liverelay/internal/protocol"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newRelay starts a websocket server running handler for each connection
func newRelay(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, c *Channel) Event {
	t.Helper()

	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectKind(t *testing.T, c *Channel, kind EventKind) Event {
	t.Helper()

	ev := nextEvent(t, c)
	if ev.Kind != kind {
		t.Fatalf("expected %v event, got %v (%+v)", kind, ev.Kind, ev)
	}
	return ev
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"ws://localhost:8080", false},
		{"wss://relay.example.com/", false},
		{"http://localhost:8080", true},
		{"localhost:8080", true},
		{"ws://", true},
		{"", true},
	}

	for _, tt := range tests {
		_, err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestDialInvalidURL(t *testing.T) {
	if _, err := Dial(context.Background(), Config{URL: "https://relay"}); err == nil {
		t.Fatal("expected error for non-websocket URL")
	}
}

func TestChannelEchoesBinary(t *testing.T) {
	url := newRelay(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(mt, data)
		}
	})

	c, err := Dial(context.Background(), Config{URL: url})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close(protocol.CloseNormal, "test done")

	expectKind(t, c, EventOpen)
	if c.State() != Open {
		t.Fatalf("expected open state, got %v", c.State())
	}

	for i := 0; i < 3; i++ {
		if !c.Send([]byte{byte(i), 0xAA}) {
			t.Fatalf("Send(%d) failed", i)
		}
	}

	// Arrival order is preserved
	for i := 0; i < 3; i++ {
		ev := expectKind(t, c, EventMessage)
		if len(ev.Data) != 2 || ev.Data[0] != byte(i) {
			t.Errorf("message %d: unexpected payload %v", i, ev.Data)
		}
	}
}

func TestSendBeforeOpenIsDropped(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()
	defer close(release)

	c, err := Dial(context.Background(), Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}

	if c.State() != Connecting {
		t.Fatalf("expected connecting state, got %v", c.State())
	}
	if c.Send([]byte{1, 2}) {
		t.Error("expected Send to drop while connecting")
	}

	c.Close(protocol.CloseNormal, protocol.ReasonUserStopped)
	ev := expectKind(t, c, EventClosed)
	if ev.Code != protocol.CloseNormal {
		t.Errorf("expected code %d, got %d", protocol.CloseNormal, ev.Code)
	}
}

func TestRelayErrorCloseReportsErrorFirst(t *testing.T) {
	url := newRelay(t, func(conn *websocket.Conn, r *http.Request) {
		msg := websocket.FormatCloseMessage(protocol.CloseError, protocol.ReasonUpstreamConnect)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.ReadMessage()
	})

	c, _ := Dial(context.Background(), Config{URL: url})

	expectKind(t, c, EventOpen)
	errEv := expectKind(t, c, EventError)
	if errEv.Err == nil {
		t.Error("expected error value")
	}
	closed := expectKind(t, c, EventClosed)
	if closed.Code != protocol.CloseError {
		t.Errorf("expected code %d, got %d", protocol.CloseError, closed.Code)
	}
	if closed.Reason != protocol.ReasonUpstreamConnect {
		t.Errorf("expected reason %q, got %q", protocol.ReasonUpstreamConnect, closed.Reason)
	}

	if _, ok := <-c.Events(); ok {
		t.Error("expected event stream to be closed after EventClosed")
	}
	if c.Send([]byte{1}) {
		t.Error("expected Send to drop after close")
	}
}

func TestRelayNormalCloseHasNoError(t *testing.T) {
	url := newRelay(t, func(conn *websocket.Conn, r *http.Request) {
		msg := websocket.FormatCloseMessage(protocol.CloseNormal, protocol.ReasonShuttingDown)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.ReadMessage()
	})

	c, _ := Dial(context.Background(), Config{URL: url})

	expectKind(t, c, EventOpen)
	ev := expectKind(t, c, EventClosed)
	if ev.Code != protocol.CloseNormal || ev.Reason != protocol.ReasonShuttingDown {
		t.Errorf("unexpected close: %d %q", ev.Code, ev.Reason)
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c, err := Dial(context.Background(), Config{URL: url, ConnectTimeout: time.Second})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}

	expectKind(t, c, EventError)
	expectKind(t, c, EventClosed)
	if c.State() != Closed {
		t.Errorf("expected closed state, got %v", c.State())
	}
}

func TestConnectTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	start := time.Now()
	c, _ := Dial(context.Background(), Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ConnectTimeout: 100 * time.Millisecond,
	})

	expectKind(t, c, EventError)
	expectKind(t, c, EventClosed)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("connect attempt not bounded: took %v", elapsed)
	}
}

func TestUserCloseIsIdempotent(t *testing.T) {
	gotClose := make(chan int, 1)
	url := newRelay(t, func(conn *websocket.Conn, r *http.Request) {
		_, _, err := conn.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			gotClose <- ce.Code
		}
	})

	c, _ := Dial(context.Background(), Config{URL: url})
	expectKind(t, c, EventOpen)

	c.Close(protocol.CloseNormal, protocol.ReasonUserStopped)
	c.Close(protocol.CloseError, "second close")

	ev := expectKind(t, c, EventClosed)
	if ev.Code != protocol.CloseNormal || ev.Reason != protocol.ReasonUserStopped {
		t.Errorf("unexpected close event: %d %q", ev.Code, ev.Reason)
	}

	select {
	case code := <-gotClose:
		if code != protocol.CloseNormal {
			t.Errorf("relay saw close code %d, want %d", code, protocol.CloseNormal)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("relay never saw the close frame")
	}

	<-c.Done()
}

func TestSignalsOptIn(t *testing.T) {
	url := newRelay(t, func(conn *websocket.Conn, r *http.Request) {
		if r.URL.Query().Get(protocol.SignalsParam) != "1" {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"missing-param"}`))
		}
		data, _ := protocol.EncodeSignal(protocol.SignalTurnComplete)
		conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
		conn.WriteMessage(websocket.TextMessage, data)
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2})
		conn.ReadMessage()
	})

	c, _ := Dial(context.Background(), Config{URL: url, Signals: true})
	defer c.Close(protocol.CloseNormal, "")

	if !strings.Contains(c.URL(), "signals=1") {
		t.Errorf("expected signals query in %s", c.URL())
	}

	expectKind(t, c, EventOpen)
	ev := expectKind(t, c, EventSignal)
	if ev.Signal != protocol.SignalTurnComplete {
		t.Errorf("expected turn_complete, got %q", ev.Signal)
	}
	expectKind(t, c, EventMessage)
}

func TestTextFramesIgnoredWithoutSignals(t *testing.T) {
	url := newRelay(t, func(conn *websocket.Conn, r *http.Request) {
		data, _ := protocol.EncodeSignal(protocol.SignalInterrupted)
		conn.WriteMessage(websocket.TextMessage, data)
		conn.WriteMessage(websocket.BinaryMessage, []byte{7, 7})
		conn.ReadMessage()
	})

	c, _ := Dial(context.Background(), Config{URL: url})
	defer c.Close(protocol.CloseNormal, "")

	expectKind(t, c, EventOpen)
	ev := expectKind(t, c, EventMessage)
	if ev.Data[0] != 7 {
		t.Errorf("unexpected payload %v", ev.Data)
	}
}
