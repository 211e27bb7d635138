package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"
	"github.com/redis/go-redis/v9"

	"oauthsock/socket"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Sessions  *SessionManager
	Registrar *Registrar
	Notifier  *Notifier
	Hub       *socket.Hub
	Metrics   *Metrics

	redis redis.UniversalClient
}

// Option customises NewApp.
type Option func(*appOptions)

type appOptions struct {
	hooks      map[string]CompletionHook
	directory  SocketDirectory
	store      sessions.Store
	httpClient *http.Client
	redis      redis.UniversalClient
}

// WithCompletionHook registers fn to run when provider completes. A later
// hook for the same provider replaces an earlier one.
func WithCompletionHook(provider string, fn CompletionHook) Option {
	return func(o *appOptions) {
		if o.hooks == nil {
			o.hooks = map[string]CompletionHook{}
		}
		o.hooks[provider] = fn
	}
}

// WithSocketDirectory replaces the built-in hub as the connection lookup.
// The hub is still served; it just stops being consulted.
func WithSocketDirectory(dir SocketDirectory) Option {
	return func(o *appOptions) { o.directory = dir }
}

// WithSessionStore overrides the configured session backend.
func WithSessionStore(store sessions.Store) Option {
	return func(o *appOptions) { o.store = store }
}

// WithHTTPClient sets the client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *appOptions) { o.httpClient = c }
}

// WithRedisClient supplies the client for the redis session store instead
// of dialing sessions.redis.addr.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *appOptions) { o.redis = c }
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	secret := cfg.Sessions.Secret
	if secret == "" {
		if !cfg.Server.DevMode {
			return nil, errors.New("sessions.secret is required")
		}
		if cfg.Server.SecretsPath != "" {
			stored, err := LoadOrCreateSessionSecret(cfg.Server.SecretsPath)
			if err != nil {
				return nil, err
			}
			secret = stored
			logger.Info("Using stored dev session secret", "path", cfg.Server.SecretsPath)
		} else {
			secret = randomToken(32)
			logger.Warn("Using ephemeral session secret", "reason", "sessions.secret not set in dev mode; sessions will not survive restarts")
		}
	}

	app := &App{Config: cfg, Logger: logger}

	store := o.store
	if store == nil {
		rdb := o.redis
		if rdb == nil && cfg.Sessions.Store == "redis" {
			client := NewRedisClient(cfg.Sessions.Redis)
			if err := client.Ping(ctx).Err(); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("redis ping %s: %w", cfg.Sessions.Redis.Addr, err)
			}
			rdb = client
			app.redis = client
		}
		var err error
		store, err = NewSessionStore(cfg, secret, rdb)
		if err != nil {
			return nil, err
		}
	}
	app.Sessions = NewSessionManager(store, cfg.Sessions.Name, logger)

	app.Hub = socket.NewHub(socket.Options{
		AllowedOrigins: cfg.Sockets.AllowedOrigins,
		WriteWait:      cfg.Sockets.WriteWait(),
		PingPeriod:     cfg.Sockets.PingPeriod(),
		MaxMessageSize: cfg.Sockets.MaxMessageSize,
		Logger:         logger.With("component", "socket"),
	})

	metrics, err := NewMetrics(app.Hub.Len)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	app.Metrics = metrics

	directory := o.directory
	if directory == nil {
		directory = hubDirectory{hub: app.Hub}
	}
	app.Notifier = NewNotifier(directory, o.hooks, metrics, logger)

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Providers.Timeout()}
	}
	app.Registrar = NewRegistrar(cfg.Server.PublicURL, StrategyDeps{
		HTTPClient: httpClient,
		State:      NewStateSigner(secret, DefaultStateTTL),
		Logger:     logger,
	}, app.Sessions, app.Notifier, metrics, logger)

	configs, err := cfg.Integrations.Configs(logger)
	if err != nil {
		return nil, err
	}
	if err := app.Registrar.RegisterAll(ctx, configs, cfg.Server.DevMode); err != nil {
		return nil, err
	}
	for provider := range o.hooks {
		if !app.hasProvider(provider) {
			logger.Warn("Completion hook has no matching provider", "provider", provider)
		}
	}

	return app, nil
}

// Close releases the hub and any redis client NewApp opened.
func (a *App) Close() error {
	var errs []error
	if a.Hub != nil {
		errs = append(errs, a.Hub.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

func (a *App) hasProvider(provider string) bool {
	for _, key := range a.Registrar.Keys() {
		if _, name, _ := strings.Cut(key, "/"); name == provider {
			return true
		}
	}
	return false
}

// handleSocketRegister binds the caller's session to a socket id. The id is
// not checked against live connections; lookup happens at completion time.
func (a *App) handleSocketRegister(w http.ResponseWriter, r *http.Request) {
	socketID := chi.URLParam(r, "socketId")
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.Logger.Error("session load", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	sess.BindSocket(socketID)
	if err := a.Sessions.Save(w, r, sess); err != nil {
		a.Logger.Error("session save", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	a.Logger.Debug("socket.bound", "sid", socketID, "session", sess.ID())
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// hubDirectory adapts the hub's concrete lookup to SocketDirectory.
type hubDirectory struct {
	hub *socket.Hub
}

func (d hubDirectory) Lookup(id string) (Connection, bool) {
	c, ok := d.hub.Lookup(id)
	if !ok {
		return nil, false
	}
	return c, true
}
