package socket

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hub := NewHub(opts)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, OpenFrame) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var open OpenFrame
	if err := ws.ReadJSON(&open); err != nil {
		t.Fatalf("read open frame: %v", err)
	}
	return ws, open
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestOpenFrameAnnouncesID(t *testing.T) {
	hub, srv := newTestHub(t, Options{})
	_, open := dial(t, srv, nil)

	if open.Type != "open" || open.SID == "" {
		t.Fatalf("unexpected open frame %+v", open)
	}
	c, ok := hub.Lookup(open.SID)
	if !ok || c.ID() != open.SID {
		t.Fatalf("connection %s not registered", open.SID)
	}
	if hub.Len() != 1 {
		t.Fatalf("Len = %d", hub.Len())
	}
}

func TestIDsAreUnique(t *testing.T) {
	_, srv := newTestHub(t, Options{})
	_, a := dial(t, srv, nil)
	_, b := dial(t, srv, nil)
	if a.SID == b.SID {
		t.Fatalf("two connections share id %s", a.SID)
	}
}

func TestSendDeliversTextFrame(t *testing.T) {
	hub, srv := newTestHub(t, Options{})
	ws, open := dial(t, srv, nil)

	c, _ := hub.Lookup(open.SID)
	if err := c.Send([]byte(`{"oauth":{"github":{"complete":true}}}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	kind, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if kind != websocket.TextMessage || string(data) != `{"oauth":{"github":{"complete":true}}}` {
		t.Fatalf("got %d %s", kind, data)
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	hub, srv := newTestHub(t, Options{})
	ws, open := dial(t, srv, nil)
	c, _ := hub.Lookup(open.SID)

	_ = ws.Close()
	waitFor(t, func() bool { return hub.Len() == 0 })

	if _, ok := hub.Lookup(open.SID); ok {
		t.Fatalf("closed connection still resolvable")
	}
	if err := c.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub, srv := newTestHub(t, Options{})
	ws, _ := dial(t, srv, nil)

	if err := hub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if hub.Len() != 0 {
		t.Fatalf("Len = %d after Close", hub.Len())
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	late, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial after close: %v", err)
	}
	defer late.Close()
	_ = late.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("closed hub should refuse with going-away, got %v", err)
	}
}

func TestOriginPolicy(t *testing.T) {
	_, srv := newTestHub(t, Options{AllowedOrigins: []string{"https://app.example.com"}})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatalf("foreign origin should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	_, open := dial(t, srv, http.Header{"Origin": {"https://APP.example.com"}})
	if open.SID == "" {
		t.Fatalf("allowed origin should connect")
	}
}

func TestSendBackpressure(t *testing.T) {
	c := &Conn{id: "x", send: make(chan []byte, 1), done: make(chan struct{})}
	if err := c.Send([]byte("one")); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := c.Send([]byte("two")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("full queue should report backpressure, got %v", err)
	}
	close(c.done)
	if err := c.Send([]byte("three")); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed conn should report ErrClosed, got %v", err)
	}
}

func TestPingKeepsIdleConnectionAlive(t *testing.T) {
	hub, srv := newTestHub(t, Options{PingPeriod: 50 * time.Millisecond, WriteWait: 50 * time.Millisecond})
	ws, open := dial(t, srv, nil)

	pings := make(chan struct{}, 8)
	ws.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-pings:
		case <-time.After(2 * time.Second):
			t.Fatalf("no ping received")
		}
	}
	if _, ok := hub.Lookup(open.SID); !ok {
		t.Fatalf("connection answering pings should stay registered")
	}
}
