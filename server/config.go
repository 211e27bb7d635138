package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session, socket and provider defaults
const (
	DefaultSessionName     = "oauthsock_session"
	DefaultSessionTTL      = 12 * time.Hour
	DefaultSocketPath      = "/socket/ws"
	DefaultWriteTimeout    = 10 * time.Second
	DefaultPingInterval    = 30 * time.Second
	DefaultMaxMessageSize  = 4096
	DefaultProviderTimeout = 15 * time.Second
	DefaultHSTSMaxAge      = 31536000
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server       ServerConfig    `yaml:"server"`
	Sessions     SessionConfig   `yaml:"sessions"`
	Sockets      SocketConfig    `yaml:"sockets"`
	Providers    ProvidersConfig `yaml:"providers"`
	Integrations Integrations    `yaml:"integrations"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string     `yaml:"public_url"`
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	CookieDomain    string     `yaml:"cookie_domain"`
	SecretsPath     string     `yaml:"secrets_path"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists browser origins allowed to call the binder endpoint with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// SessionConfig selects the session backend and its keys.
type SessionConfig struct {
	Name          string      `yaml:"name"`
	Secret        string      `yaml:"secret"`
	EncryptionKey string      `yaml:"encryption_key"`
	TTL           string      `yaml:"ttl"`
	Store         string      `yaml:"store"`
	Redis         RedisConfig `yaml:"redis"`
}

// RedisConfig points the server-side session store at a redis instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// SocketConfig tunes the built-in websocket hub.
type SocketConfig struct {
	Path           string   `yaml:"path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	WriteTimeout   string   `yaml:"write_timeout"`
	PingInterval   string   `yaml:"ping_interval"`
	MaxMessageSize int64    `yaml:"max_message_size"`
}

// ProvidersConfig holds settings shared by every upstream provider.
type ProvidersConfig struct {
	HTTPTimeout string `yaml:"http_timeout"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Sessions: SessionConfig{
			Name:  DefaultSessionName,
			TTL:   DefaultSessionTTL.String(),
			Store: "cookie",
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "oauthsock:session:",
			},
		},
		Sockets: SocketConfig{
			Path:           DefaultSocketPath,
			WriteTimeout:   DefaultWriteTimeout.String(),
			PingInterval:   DefaultPingInterval.String(),
			MaxMessageSize: DefaultMaxMessageSize,
		},
		Providers: ProvidersConfig{
			HTTPTimeout: DefaultProviderTimeout.String(),
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OAUTHSOCK_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OAUTHSOCK_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OAUTHSOCK_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OAUTHSOCK_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OAUTHSOCK_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OAUTHSOCK_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OAUTHSOCK_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OAUTHSOCK_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"OAUTHSOCK_CORS_ALLOWED_ORIGINS":     func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"OAUTHSOCK_SESSION_SECRET":           func(v string) { cfg.Sessions.Secret = v },
		"OAUTHSOCK_SESSION_ENCRYPTION_KEY":   func(v string) { cfg.Sessions.EncryptionKey = v },
		"OAUTHSOCK_SESSION_STORE":            func(v string) { cfg.Sessions.Store = v },
		"OAUTHSOCK_REDIS_ADDR":               func(v string) { cfg.Sessions.Redis.Addr = v },
		"OAUTHSOCK_REDIS_PASSWORD":           func(v string) { cfg.Sessions.Redis.Password = v },
		"OAUTHSOCK_REDIS_DB":                 func(v string) { cfg.Sessions.Redis.DB = parseInt(v, cfg.Sessions.Redis.DB) },
		"OAUTHSOCK_SOCKETS_ALLOWED_ORIGINS":  func(v string) { cfg.Sockets.AllowedOrigins = splitAndTrim(v) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SessionTTL returns the parsed session lifetime.
func (c SessionConfig) SessionTTL() time.Duration {
	return parseDuration(c.TTL, DefaultSessionTTL)
}

// WriteWait returns the per-frame write deadline for sockets.
func (c SocketConfig) WriteWait() time.Duration {
	return parseDuration(c.WriteTimeout, DefaultWriteTimeout)
}

// PingPeriod returns the heartbeat interval for sockets.
func (c SocketConfig) PingPeriod() time.Duration {
	return parseDuration(c.PingInterval, DefaultPingInterval)
}

// Timeout returns the HTTP client timeout used for provider calls.
func (c ProvidersConfig) Timeout() time.Duration {
	return parseDuration(c.HTTPTimeout, DefaultProviderTimeout)
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Server.CookieDomain != "" {
		publicHost := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(publicHost, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", publicHost,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, publicHost)
		}
	}

	if err := c.Sessions.validate(c.Server.DevMode); err != nil {
		return err
	}
	if err := c.Sockets.validate(); err != nil {
		return err
	}

	if c.Providers.HTTPTimeout != "" {
		if _, err := time.ParseDuration(c.Providers.HTTPTimeout); err != nil {
			slog.Error("Invalid provider timeout", "field", "providers.http_timeout", "value", c.Providers.HTTPTimeout, "error", err)
			return fmt.Errorf("providers.http_timeout: invalid duration '%s': %w", c.Providers.HTTPTimeout, err)
		}
	}

	if _, err := c.Integrations.Configs(slog.Default()); err != nil {
		slog.Error("Invalid integration", "error", err)
		return err
	}

	return nil
}

func (c SessionConfig) validate(devMode bool) error {
	if c.Name == "" {
		slog.Error("Missing required configuration", "field", "sessions.name")
		return errors.New("sessions.name is required")
	}
	if !devMode && len(c.Secret) < 32 {
		slog.Error("Session secret too short", "field", "sessions.secret", "reason", "at least 32 bytes required in production mode")
		return errors.New("sessions.secret must be at least 32 bytes in production mode")
	}
	if c.TTL != "" {
		if _, err := time.ParseDuration(c.TTL); err != nil {
			slog.Error("Invalid session ttl", "field", "sessions.ttl", "value", c.TTL, "error", err)
			return fmt.Errorf("sessions.ttl: invalid duration '%s': %w", c.TTL, err)
		}
	}
	switch c.Store {
	case "", "cookie":
	case "redis":
		if c.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "sessions.redis.addr")
			return errors.New("sessions.redis.addr is required when sessions.store is redis")
		}
	default:
		slog.Error("Invalid session store", "field", "sessions.store", "value", c.Store, "valid_values", []string{"cookie", "redis"})
		return fmt.Errorf("sessions.store must be 'cookie' or 'redis', got: %s", c.Store)
	}
	return nil
}

func (c SocketConfig) validate() error {
	if !strings.HasPrefix(c.Path, "/") {
		slog.Error("Invalid socket path", "field", "sockets.path", "value", c.Path)
		return fmt.Errorf("sockets.path must start with '/', got: %s", c.Path)
	}
	if strings.HasPrefix(c.Path, "/socket/register") || strings.HasPrefix(c.Path, "/oauth/") {
		slog.Error("Socket path collides with built-in routes", "field", "sockets.path", "value", c.Path)
		return fmt.Errorf("sockets.path %s collides with a built-in route", c.Path)
	}
	for field, val := range map[string]string{"sockets.write_timeout": c.WriteTimeout, "sockets.ping_interval": c.PingInterval} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			slog.Error("Invalid socket duration", "field", field, "value", val, "error", err)
			return fmt.Errorf("%s: invalid duration '%s': %w", field, val, err)
		}
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("sockets.max_message_size must not be negative, got: %d", c.MaxMessageSize)
	}
	return nil
}

// hostOf extracts the bare host (no scheme, port or path) from a URL string.
func hostOf(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.Index(host, "/"); idx != -1 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
