package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Connection is a realtime connection that can receive a completion event.
type Connection interface {
	ID() string
	Send(msg []byte) error
}

// SocketDirectory resolves a connection id to a live connection.
type SocketDirectory interface {
	Lookup(id string) (Connection, bool)
}

// CompletionHook runs after every completed provider flow, whether or not a
// socket was bound. conn is nil when the session has no bound socket or the
// socket has gone away, so hooks that push to the client must check it.
// res carries the full profile, including Profile.Raw, which is not kept in
// the stored principal.
type CompletionHook func(ctx context.Context, res Result, sess *Session, conn Connection) error

// Outcome records what happened to a completion notification.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeUnbound    Outcome = "unbound"
	OutcomeSocketGone Outcome = "socket_gone"
	OutcomeSendFailed Outcome = "send_failed"
)

// Completion is the input to Notify.
type Completion struct {
	Protocol Protocol
	Provider string
	Result   Result
	Session  *Session
}

// Notifier delivers completion events to the socket bound to a session.
type Notifier struct {
	directory SocketDirectory
	hooks     map[string]CompletionHook
	metrics   *Metrics
	logger    *slog.Logger
}

// NewNotifier builds a notifier; hooks are keyed by provider name.
func NewNotifier(directory SocketDirectory, hooks map[string]CompletionHook, metrics *Metrics, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{directory: directory, hooks: hooks, metrics: metrics, logger: logger}
}

// CompletionPayload is the message sent over the socket.
func CompletionPayload(provider string) []byte {
	b, _ := json.Marshal(map[string]any{
		"oauth": map[string]any{
			provider: map[string]bool{"complete": true},
		},
	})
	return b
}

// Notify records the result on the session principal, pushes the completion
// event to the bound socket and runs the provider hook. Delivery problems
// are logged, never returned: the browser still gets its close page.
// The only error is a principal that cannot be read or written.
func (n *Notifier) Notify(ctx context.Context, c Completion) (Outcome, error) {
	logger := n.logger.With("provider", c.Provider, "protocol", string(c.Protocol), "session", c.Session.ID())

	principal, err := c.Session.Principal()
	if err != nil {
		return "", err
	}
	principal.Merge(c.Provider, c.Result)
	if err := c.Session.SetPrincipal(principal); err != nil {
		return "", err
	}

	var conn Connection
	outcome := n.deliver(c, logger, &conn)
	if n.metrics != nil {
		n.metrics.Notifications.WithLabelValues(c.Provider, string(outcome)).Inc()
	}

	if hook, ok := n.hooks[c.Provider]; ok && hook != nil {
		if err := n.runHook(ctx, hook, c, conn); err != nil {
			logger.Error("oauth.hook.failed", "error", err)
			if n.metrics != nil {
				n.metrics.HookFailures.WithLabelValues(c.Provider).Inc()
			}
		}
	}
	return outcome, nil
}

func (n *Notifier) deliver(c Completion, logger *slog.Logger, conn *Connection) Outcome {
	sid := c.Session.SocketID()
	if sid == "" {
		logger.Info("oauth.notify.unbound")
		return OutcomeUnbound
	}
	if n.directory == nil {
		logger.Info("oauth.notify.socket_gone", "sid", sid)
		return OutcomeSocketGone
	}
	found, ok := n.directory.Lookup(sid)
	if !ok || found == nil {
		logger.Info("oauth.notify.socket_gone", "sid", sid)
		return OutcomeSocketGone
	}
	*conn = found
	if err := found.Send(CompletionPayload(c.Provider)); err != nil {
		logger.Warn("oauth.notify.send_failed", "sid", sid, "error", err)
		return OutcomeSendFailed
	}
	logger.Info("oauth.notify.sent", "sid", sid)
	return OutcomeSent
}

func (n *Notifier) runHook(ctx context.Context, hook CompletionHook, c Completion, conn Connection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return hook(ctx, c.Result, c.Session, conn)
}
