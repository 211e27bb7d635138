package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Flow is per-handshake state kept in the session between the initiate
// redirect and the provider callback.
type Flow map[string]string

const (
	flowNonce         = "nonce"
	flowVerifier      = "verifier"
	flowRequestToken  = "request_token"
	flowRequestSecret = "request_secret"
)

// Strategy performs one provider's handshake.
type Strategy interface {
	Protocol() Protocol
	Provider() string
	// AuthorizeURL returns the provider consent URL and records whatever the
	// callback will need in flow.
	AuthorizeURL(ctx context.Context, flow Flow) (string, error)
	// Authenticate completes the handshake from the callback request.
	Authenticate(ctx context.Context, r *http.Request, flow Flow) (Result, error)
}

// VerifyFunc is the token-exchange callback. It receives the two
// protocol-specific token values and the profile.
type VerifyFunc func(t1, t2 string, profile Profile) (Result, error)

// Profile is the provider's view of the user.
type Profile struct {
	Provider    string         `json:"provider"`
	ID          string         `json:"id,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// Result is the protocol-agnostic outcome of a completed flow.
type Result struct {
	Protocol     Protocol `json:"protocol"`
	Token        string   `json:"token,omitempty"`
	TokenSecret  string   `json:"tokenSecret,omitempty"`
	AccessToken  string   `json:"accessToken,omitempty"`
	RefreshToken string   `json:"refreshToken,omitempty"`
	Profile      Profile  `json:"profile"`
}

// Normalize maps protocol-specific token values onto a Result: token and
// tokenSecret for 1.0, accessToken and refreshToken for 2.0.
func Normalize(protocol Protocol, t1, t2 string, profile Profile) Result {
	res := Result{Protocol: protocol, Profile: profile}
	switch protocol {
	case OAuth1:
		res.Token = t1
		res.TokenSecret = t2
	case OAuth2:
		res.AccessToken = t1
		res.RefreshToken = t2
	}
	return res
}

// NormalizeFunc returns the VerifyFunc used for every registered provider.
func NormalizeFunc(protocol Protocol) VerifyFunc {
	return func(t1, t2 string, profile Profile) (Result, error) {
		return Normalize(protocol, t1, t2, profile), nil
	}
}

// FailureKind classifies why a flow did not complete.
type FailureKind string

const (
	FailureDenied   FailureKind = "denied"
	FailureState    FailureKind = "state"
	FailureExchange FailureKind = "exchange"
	FailureProfile  FailureKind = "profile"
	FailureVerify   FailureKind = "verify"
	FailureConfig   FailureKind = "config"
)

// AuthError is returned by strategies when a flow fails.
type AuthError struct {
	Kind     FailureKind
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func authFailure(kind FailureKind, provider string, err error) *AuthError {
	return &AuthError{Kind: kind, Provider: provider, Err: err}
}

// FailureKindOf extracts the failure kind, defaulting to exchange.
func FailureKindOf(err error) FailureKind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return FailureExchange
}

// StrategyDeps are the shared collaborators handed to every strategy.
type StrategyDeps struct {
	HTTPClient *http.Client
	State      *StateSigner
	Logger     *slog.Logger
}

// NewStrategy builds the protocol-appropriate strategy for a provider.
func NewStrategy(ctx context.Context, pc ProviderConfig, opts StrategyOptions, verify VerifyFunc, deps StrategyDeps) (Strategy, error) {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: DefaultProviderTimeout}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	switch pc.Protocol() {
	case OAuth1:
		return newOAuth1Strategy(pc.Provider, opts, verify, deps)
	case OAuth2:
		return newOAuth2Strategy(ctx, pc.Provider, opts, verify, deps)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, pc.Protocol())
	}
}

// knownOptions lists option keys the strategies understand; anything else is
// logged once at registration.
var knownOptions = map[string]bool{
	OptRequestTokenURL: true, OptAccessTokenURL: true, OptUserAuthorizationURL: true,
	OptConsumerKey: true, OptConsumerSecret: true, OptAuthorizationURL: true,
	OptTokenURL: true, OptClientID: true, OptClientSecret: true, OptCallbackURL: true,
	"scope": true, "scopeSeparator": true, "profileURL": true, "pkce": true,
	"issuer": true, "authStyle": true, "authParams": true,
}

func warnUnknownOptions(logger *slog.Logger, provider string, opts StrategyOptions) {
	for k := range opts {
		if !knownOptions[k] {
			logger.Warn("strategy option ignored", "provider", provider, "option", k)
		}
	}
}

// fetchProfile GETs a JSON user document with an already-authorized client.
func fetchProfile(ctx context.Context, client *http.Client, provider, profileURL string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, profileURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("create profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Profile{}, fmt.Errorf("profile endpoint returned %s", resp.Status)
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	return profileFromClaims(provider, "", raw), nil
}

func profileFromClaims(provider, subject string, raw map[string]any) Profile {
	p := Profile{Provider: provider, ID: subject, Raw: raw}
	if p.ID == "" {
		p.ID = firstString(raw, "id", "sub", "id_str", "user_id")
	}
	p.DisplayName = firstString(raw, "name", "displayName", "preferred_username", "login", "screen_name", "username")
	return p
}

// mergeProfile overlays fetched onto base, keeping base values that fetched lacks.
func mergeProfile(base, fetched Profile) Profile {
	out := base
	if fetched.ID != "" {
		out.ID = fetched.ID
	}
	if fetched.DisplayName != "" {
		out.DisplayName = fetched.DisplayName
	}
	if len(fetched.Raw) > 0 {
		if out.Raw == nil {
			out.Raw = map[string]any{}
		}
		for k, v := range fetched.Raw {
			out.Raw[k] = v
		}
	}
	return out
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}
