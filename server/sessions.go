package server

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyID        = "sid"
	sessionKeySocket    = "socketId"
	sessionKeyPrincipal = "principal"
	sessionKeyFlow      = "flow:"
)

// SessionManager loads and saves the per-browser session through a
// gorilla/sessions store. Every value written is a string so the gob codec
// used by the stores never needs type registration.
type SessionManager struct {
	store  sessions.Store
	name   string
	logger *slog.Logger
}

// NewSessionManager wraps store; name is the session cookie name.
func NewSessionManager(store sessions.Store, name string, logger *slog.Logger) *SessionManager {
	if name == "" {
		name = DefaultSessionName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{store: store, name: name, logger: logger}
}

// Load returns the caller's session, starting a fresh one when the cookie is
// missing or no longer decodes (rotated keys, expired server-side entry).
func (sm *SessionManager) Load(r *http.Request) (*Session, error) {
	raw, err := sm.store.Get(r, sm.name)
	if err != nil {
		var backend *BackendError
		if raw == nil || errors.As(err, &backend) {
			return nil, fmt.Errorf("load session: %w", err)
		}
		sm.logger.Warn("session.reset", "reason", err.Error())
	}
	s := &Session{raw: raw}
	if s.ID() == "" {
		raw.Values[sessionKeyID] = uuid.NewString()
	}
	return s, nil
}

// Save persists s and writes the cookie.
func (sm *SessionManager) Save(w http.ResponseWriter, r *http.Request, s *Session) error {
	if err := s.raw.Save(r, w); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Session is the typed view over a gorilla session.
type Session struct {
	raw *sessions.Session
}

// ID is a stable identifier for log correlation; it is not the cookie value.
func (s *Session) ID() string { return s.str(sessionKeyID) }

// SocketID returns the bound realtime connection id, or "".
func (s *Session) SocketID() string { return s.str(sessionKeySocket) }

// BindSocket records id as the connection completion events go to.
func (s *Session) BindSocket(id string) { s.raw.Values[sessionKeySocket] = id }

// Principal returns the accumulated per-provider results.
func (s *Session) Principal() (Principal, error) {
	p := Principal{}
	raw := s.str(sessionKeyPrincipal)
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Principal{}, fmt.Errorf("decode principal: %w", err)
	}
	return p, nil
}

// SetPrincipal stores p. Raw provider profiles are dropped from the stored
// copy; they only reach the completion hook.
func (s *Session) SetPrincipal(p Principal) error {
	b, err := json.Marshal(p.stored())
	if err != nil {
		return fmt.Errorf("encode principal: %w", err)
	}
	s.raw.Values[sessionKeyPrincipal] = string(b)
	return nil
}

// Flow returns the pending handshake state for key; never nil. An
// undecodable entry is reported as an error alongside the empty flow.
func (s *Session) Flow(key string) (Flow, error) {
	f := Flow{}
	raw := s.str(sessionKeyFlow + key)
	if raw == "" {
		return f, nil
	}
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return Flow{}, fmt.Errorf("decode flow %s: %w", key, err)
	}
	return f, nil
}

// SetFlow stores handshake state for key.
func (s *Session) SetFlow(key string, f Flow) {
	b, _ := json.Marshal(f)
	s.raw.Values[sessionKeyFlow+key] = string(b)
}

// ClearFlow drops handshake state for key.
func (s *Session) ClearFlow(key string) { delete(s.raw.Values, sessionKeyFlow+key) }

// Get reads an arbitrary string value; hooks may use it for their own data.
func (s *Session) Get(key string) string { return s.str(key) }

// Set writes an arbitrary string value.
func (s *Session) Set(key, val string) { s.raw.Values[key] = val }

func (s *Session) str(key string) string {
	v, _ := s.raw.Values[key].(string)
	return v
}

// Principal is the authenticated record kept in the session.
type Principal struct {
	OAuth map[string]Result `json:"oauth"`
}

// Merge records res under provider, replacing an earlier result.
func (p *Principal) Merge(provider string, res Result) {
	if p.OAuth == nil {
		p.OAuth = map[string]Result{}
	}
	p.OAuth[provider] = res
}

// stored returns the copy of p that is written to the session.
func (p Principal) stored() Principal {
	out := Principal{OAuth: make(map[string]Result, len(p.OAuth))}
	for provider, res := range p.OAuth {
		res.Profile.Raw = nil
		out.OAuth[provider] = res
	}
	return out
}

// NewSessionStore builds the configured gorilla store. rdb may be nil unless
// the redis backend is selected; the caller owns its lifecycle.
func NewSessionStore(cfg Config, secret string, rdb redis.UniversalClient) (sessions.Store, error) {
	opts := sessionOptions(cfg)
	keys := sessionKeys(secret, cfg.Sessions.EncryptionKey)

	switch cfg.Sessions.Store {
	case "", "cookie":
		store := sessions.NewCookieStore(keys...)
		store.Options = opts
		store.MaxAge(opts.MaxAge)
		return store, nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("sessions.store is redis but no redis client was provided")
		}
		return NewRedisStore(rdb, cfg.Sessions.Redis.Prefix, opts, keys...), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Sessions.Store)
	}
}

// NewRedisClient connects the redis session backend.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func sessionOptions(cfg Config) *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		Domain:   cfg.Server.CookieDomain,
		MaxAge:   int(cfg.Sessions.SessionTTL().Seconds()),
		Secure:   !cfg.Server.DevMode,
		HttpOnly: true,
		// Provider callbacks are cross-site top-level navigations.
		SameSite: http.SameSiteLaxMode,
	}
}

func sessionKeys(secret, encryptionKey string) [][]byte {
	hash := sha256.Sum256([]byte("oauthsock/session-hash:" + secret))
	if encryptionKey == "" {
		return [][]byte{hash[:], nil}
	}
	block := sha256.Sum256([]byte("oauthsock/session-block:" + encryptionKey))
	return [][]byte{hash[:], block[:]}
}
