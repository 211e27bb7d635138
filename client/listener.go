// Package client is the Go side of an oauthsock realtime connection. It
// opens the websocket, binds it to an HTTP session and waits for provider
// completion events. Browsers do the same thing in a few lines of script.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSocketPath matches the server default.
const DefaultSocketPath = "/socket/ws"

// ErrClosed is returned by Wait once the connection has ended.
var ErrClosed = errors.New("client: connection closed")

// Config configures a Listener.
type Config struct {
	BaseURL    string
	SocketPath string
	// HTTPClient is used for the binding call and, via its cookie jar, for
	// the OAuth round trip. A client with a fresh jar is created when nil.
	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
}

// Listener holds an open realtime connection.
type Listener struct {
	base *url.URL
	http *http.Client
	ws   *websocket.Conn
	sid  string

	mu        sync.Mutex
	completed map[string]bool
	changed   chan struct{}
	err       error
}

type openFrame struct {
	Type string `json:"type"`
	SID  string `json:"sid"`
}

type completionFrame struct {
	OAuth map[string]struct {
		Complete bool `json:"complete"`
	} `json:"oauth"`
}

// Dial opens the websocket and reads the server-assigned connection id.
func Dial(ctx context.Context, cfg Config) (*Listener, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		httpClient = &http.Client{Jar: jar, Timeout: 30 * time.Second}
	}
	path := cfg.SocketPath
	if path == "" {
		path = DefaultSocketPath
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	wsURL := *base
	switch base.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = base.Path + path

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		Jar:              httpClient.Jar,
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", wsURL.String(), err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL.String(), err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	var open openFrame
	if err := ws.ReadJSON(&open); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read open frame: %w", err)
	}
	if open.Type != "open" || open.SID == "" {
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected first frame type %q", open.Type)
	}
	_ = ws.SetReadDeadline(time.Time{})

	l := &Listener{
		base:      base,
		http:      httpClient,
		ws:        ws,
		sid:       open.SID,
		completed: make(map[string]bool),
		changed:   make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// SID is the connection id the server assigned.
func (l *Listener) SID() string { return l.sid }

// HTTPClient returns the client sharing this listener's session cookie.
func (l *Listener) HTTPClient() *http.Client { return l.http }

// Register binds the connection to the HTTP session.
func (l *Listener) Register(ctx context.Context) error {
	endpoint := l.base.String() + "/socket/register/" + url.PathEscape(l.sid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create register request: %w", err)
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register: unexpected status %s", resp.Status)
	}
	return nil
}

// AuthURL is the initiate route for protocol/provider, e.g. ("2.0", "github").
func (l *Listener) AuthURL(protocol, provider string) string {
	return l.base.String() + "/oauth/" + protocol + "/" + provider
}

// Wait blocks until provider completes, the context ends or the connection
// closes.
func (l *Listener) Wait(ctx context.Context, provider string) error {
	for {
		l.mu.Lock()
		if l.completed[provider] {
			l.mu.Unlock()
			return nil
		}
		if l.err != nil {
			err := l.err
			l.mu.Unlock()
			return err
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close closes the websocket.
func (l *Listener) Close() error {
	_ = l.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return l.ws.Close()
}

func (l *Listener) readLoop() {
	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			l.signal(func() {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					l.err = ErrClosed
					return
				}
				l.err = fmt.Errorf("%w: %v", ErrClosed, err)
			})
			return
		}
		var frame completionFrame
		if err := json.Unmarshal(data, &frame); err != nil || len(frame.OAuth) == 0 {
			continue
		}
		l.signal(func() {
			for provider, state := range frame.OAuth {
				if state.Complete {
					l.completed[provider] = true
				}
			}
		})
	}
}

func (l *Listener) signal(update func()) {
	l.mu.Lock()
	update()
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()
}
