package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

const (
	errorPageBody = "An error has occurred"
	closePageBody = "<script>close();</script>"
)

// Registrar owns one strategy per (protocol, provider) pair and the route
// triple that drives it.
type Registrar struct {
	baseURL  string
	deps     StrategyDeps
	sessions *SessionManager
	notifier *Notifier
	metrics  *Metrics
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]Strategy
}

// NewRegistrar creates an empty registrar. baseURL is the public origin
// callback URLs are derived from.
func NewRegistrar(baseURL string, deps StrategyDeps, sessions *SessionManager, notifier *Notifier, metrics *Metrics, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Registrar{
		baseURL:  baseURL,
		deps:     deps,
		sessions: sessions,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		entries:  make(map[string]Strategy),
	}
}

// Register builds the strategy for pc. A second registration of the same
// pair replaces the first.
func (rg *Registrar) Register(ctx context.Context, pc ProviderConfig) error {
	opts := pc.StrategyOptions(rg.baseURL)
	strategy, err := NewStrategy(ctx, pc, opts, NormalizeFunc(pc.Protocol()), rg.deps)
	if err != nil {
		return fmt.Errorf("register %s: %w", pc.Key(), err)
	}

	key := string(strategy.Protocol()) + "/" + strategy.Provider()
	rg.mu.Lock()
	_, replaced := rg.entries[key]
	rg.entries[key] = strategy
	rg.mu.Unlock()

	logger := rg.logger.With("key", key, "protocol", string(strategy.Protocol()), "provider", strategy.Provider())
	if replaced {
		logger.Warn("strategy.replaced")
	}
	logger.Info("strategy.registered", "callback_url", opts.String(OptCallbackURL))
	return nil
}

// RegisterAll registers every config. In dev mode a failing provider is
// logged and skipped so the rest still come up.
func (rg *Registrar) RegisterAll(ctx context.Context, configs []ProviderConfig, dev bool) error {
	var errs []error
	for _, pc := range configs {
		if err := rg.Register(ctx, pc); err != nil {
			if dev {
				rg.logger.Warn("strategy.skipped", "key", pc.Key(), "error", err)
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Strategy returns the registered strategy for protocol/provider.
func (rg *Registrar) Strategy(protocol Protocol, provider string) (Strategy, bool) {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	s, ok := rg.entries[string(protocol)+"/"+provider]
	return s, ok
}

// Keys lists registered "<protocol>/<provider>" keys in sorted order.
func (rg *Registrar) Keys() []string {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	keys := make([]string, 0, len(rg.entries))
	for k := range rg.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Mount attaches the route triple for each registered pair.
func (rg *Registrar) Mount(r chi.Router) {
	for _, key := range rg.Keys() {
		protocol, provider, _ := strings.Cut(key, "/")
		route := "/oauth/" + key
		p, name := Protocol(protocol), provider
		r.Get(route, rg.handleInitiate(p, name))
		r.Get(route+"/error", rg.handleError)
		r.Get(route+"/callback", rg.handleCallback(p, name))
	}
}

func (rg *Registrar) handleInitiate(protocol Protocol, provider string) http.HandlerFunc {
	key := string(protocol) + "/" + provider
	return func(w http.ResponseWriter, r *http.Request) {
		strategy, ok := rg.Strategy(protocol, provider)
		if !ok {
			http.NotFound(w, r)
			return
		}
		sess, err := rg.sessions.Load(r)
		if err != nil {
			rg.logger.Error("session load", "error", err, "key", key)
			rg.redirectError(w, r, key)
			return
		}

		flow := Flow{}
		authURL, err := strategy.AuthorizeURL(r.Context(), flow)
		if err != nil {
			rg.logger.Error("oauth.initiate.failed", "key", key, "error", err)
			rg.failed(protocol, provider, err)
			rg.redirectError(w, r, key)
			return
		}
		sess.SetFlow(key, flow)
		if err := rg.sessions.Save(w, r, sess); err != nil {
			rg.logger.Error("session save", "error", err, "key", key)
			rg.redirectError(w, r, key)
			return
		}
		if rg.metrics != nil {
			rg.metrics.FlowsStarted.WithLabelValues(string(protocol), provider).Inc()
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

func (rg *Registrar) handleError(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(errorPageBody))
}

func (rg *Registrar) handleCallback(protocol Protocol, provider string) http.HandlerFunc {
	key := string(protocol) + "/" + provider
	return func(w http.ResponseWriter, r *http.Request) {
		strategy, ok := rg.Strategy(protocol, provider)
		if !ok {
			http.NotFound(w, r)
			return
		}
		sess, err := rg.sessions.Load(r)
		if err != nil {
			rg.logger.Error("session load", "error", err, "key", key)
			rg.redirectError(w, r, key)
			return
		}

		flow, err := sess.Flow(key)
		if err != nil {
			rg.logger.Warn("oauth.flow.corrupt", "key", key, "session", sess.ID(), "error", err)
		}
		sess.ClearFlow(key)
		res, err := strategy.Authenticate(r.Context(), r, flow)
		if err != nil {
			rg.logger.Warn("oauth.callback.failed", "key", key, "kind", string(FailureKindOf(err)), "error", err)
			rg.failed(protocol, provider, err)
			if saveErr := rg.sessions.Save(w, r, sess); saveErr != nil {
				rg.logger.Error("session save", "error", saveErr, "key", key)
			}
			rg.redirectError(w, r, key)
			return
		}
		if rg.metrics != nil {
			rg.metrics.FlowsCompleted.WithLabelValues(string(protocol), provider).Inc()
		}

		if _, err := rg.notifier.Notify(r.Context(), Completion{
			Protocol: protocol,
			Provider: provider,
			Result:   res,
			Session:  sess,
		}); err != nil {
			rg.logger.Error("oauth.notify.principal", "key", key, "error", err)
			rg.redirectError(w, r, key)
			return
		}
		// The socket has been told and the hook has run; a failed save only
		// loses the stored principal, so the popup still closes.
		if err := rg.sessions.Save(w, r, sess); err != nil {
			rg.logger.Error("oauth.session.save_failed", "key", key, "session", sess.ID(), "error", err)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(closePageBody))
	}
}

func (rg *Registrar) failed(protocol Protocol, provider string, err error) {
	if rg.metrics != nil {
		rg.metrics.FlowsFailed.WithLabelValues(string(protocol), provider, string(FailureKindOf(err))).Inc()
	}
}

func (rg *Registrar) redirectError(w http.ResponseWriter, r *http.Request, key string) {
	http.Redirect(w, r, "/oauth/"+key+"/error", http.StatusFound)
}

// BuildStrategies constructs strategies for every configured integration
// without mounting routes. The CLI uses it to check provider wiring.
func BuildStrategies(ctx context.Context, cfg Config, httpClient *http.Client, logger *slog.Logger) (map[string]Strategy, error) {
	configs, err := cfg.Integrations.Configs(logger)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Providers.Timeout()}
	}
	deps := StrategyDeps{
		HTTPClient: httpClient,
		State:      NewStateSigner(cfg.Sessions.Secret, DefaultStateTTL),
		Logger:     logger,
	}
	out := make(map[string]Strategy, len(configs))
	for _, pc := range configs {
		s, err := NewStrategy(ctx, pc, pc.StrategyOptions(cfg.Server.PublicURL), NormalizeFunc(pc.Protocol()), deps)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", pc.Key(), err)
		}
		out[pc.Key()] = s
	}
	return out, nil
}
