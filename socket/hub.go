// Package socket is the realtime side of oauthsock: a websocket hub that
// hands every connection an id and lets the HTTP side push to it by id.
package socket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPingPeriod     = 30 * time.Second
	defaultMaxMessageSize = 4096
	sendQueueSize         = 16
)

var (
	// ErrClosed is returned when sending on a connection that has gone away.
	ErrClosed = errors.New("socket: connection closed")
	// ErrBackpressure is returned when the peer is not draining its queue.
	ErrBackpressure = errors.New("socket: send queue full")
)

// OpenFrame is the first message every connection receives.
type OpenFrame struct {
	Type string `json:"type"`
	SID  string `json:"sid"`
}

// Options tunes a Hub. Zero values fall back to defaults.
type Options struct {
	AllowedOrigins []string
	WriteWait      time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	Logger         *slog.Logger
}

// Hub tracks open connections by id.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		opts:   opts,
		logger: logger,
		conns:  make(map[string]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}
	return h
}

// checkOrigin returns nil (gorilla's same-origin check) when no origins are
// configured.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, v := range allowed {
			if v == "*" || strings.EqualFold(v, origin) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("socket.upgrade_failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		hub:  h,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	open, _ := json.Marshal(OpenFrame{Type: "open", SID: c.id})
	c.send <- open

	if !h.add(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.opts.WriteWait))
		_ = ws.Close()
		return
	}
	h.logger.Info("socket.open", "sid", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

// Lookup returns the live connection for id.
func (h *Hub) Lookup(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Len reports the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every connection and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (h *Hub) add(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	return true
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
}

// Conn is one websocket connection.
type Conn struct {
	id   string
	ws   *websocket.Conn
	hub  *Hub
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// ID is the connection id announced in the open frame.
func (c *Conn) ID() string { return c.id }

// Send queues a text frame. It never blocks on a slow peer.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

// Close unregisters the connection and closes the socket. Safe to call more
// than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.remove(c)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.hub.opts.WriteWait))
		err = c.ws.Close()
		c.hub.logger.Info("socket.close", "sid", c.id)
	})
	return err
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	wait := c.hub.opts.WriteWait
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("socket.write_failed", "sid", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump discards client frames; it exists to process control frames and
// to notice when the peer goes away.
func (c *Conn) readPump() {
	defer func() { _ = c.Close() }()

	pongWait := c.hub.opts.PingPeriod + c.hub.opts.WriteWait
	c.ws.SetReadLimit(c.hub.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("socket.read_failed", "sid", c.id, "error", err)
			}
			return
		}
	}
}
