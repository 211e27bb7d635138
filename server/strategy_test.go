package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNormalizeByProtocol(t *testing.T) {
	profile := Profile{Provider: "p", ID: "1"}

	r1 := Normalize(OAuth1, "tok", "sec", profile)
	if r1.Token != "tok" || r1.TokenSecret != "sec" || r1.AccessToken != "" {
		t.Fatalf("1.0 result = %+v", r1)
	}
	r2 := Normalize(OAuth2, "access", "refresh", profile)
	if r2.AccessToken != "access" || r2.RefreshToken != "refresh" || r2.Token != "" {
		t.Fatalf("2.0 result = %+v", r2)
	}
	if r2.Profile.ID != "1" {
		t.Fatalf("profile not carried through")
	}

	res, err := NormalizeFunc(OAuth2)("a", "", profile)
	if err != nil || res.Protocol != OAuth2 || res.AccessToken != "a" {
		t.Fatalf("NormalizeFunc = %+v, %v", res, err)
	}
}

func TestFailureKindOf(t *testing.T) {
	wrapped := fmt.Errorf("callback: %w", authFailure(FailureDenied, "github", errors.New("no")))
	if got := FailureKindOf(wrapped); got != FailureDenied {
		t.Fatalf("FailureKindOf(wrapped) = %q", got)
	}
	if got := FailureKindOf(errors.New("plain")); got != FailureExchange {
		t.Fatalf("FailureKindOf(plain) = %q", got)
	}
}

func TestProfileFromClaims(t *testing.T) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(`{"id": 12345, "login": "octocat", "name": "  "}`), &raw); err != nil {
		t.Fatal(err)
	}
	p := profileFromClaims("github", "", raw)
	if p.ID != "12345" {
		t.Fatalf("ID = %q", p.ID)
	}
	if p.DisplayName != "octocat" {
		t.Fatalf("DisplayName = %q, blank name should be skipped", p.DisplayName)
	}

	withSubject := profileFromClaims("google", "sub-1", map[string]any{"sub": "ignored"})
	if withSubject.ID != "sub-1" {
		t.Fatalf("subject should win, got %q", withSubject.ID)
	}
}

func TestNewStrategyRejectsIncompleteOptions(t *testing.T) {
	deps := StrategyDeps{State: NewStateSigner(testSecret, 0), Logger: discardLogger()}

	pc2 := ProviderConfig{Provider: "x", Credentials: OAuth2Credentials{ClientID: "id"}}
	if _, err := NewStrategy(context.Background(), pc2, StrategyOptions{OptClientID: "id"}, NormalizeFunc(OAuth2), deps); err == nil {
		t.Fatalf("expected error for missing 2.0 endpoints")
	}

	pc1 := ProviderConfig{Provider: "x", Credentials: OAuth1Credentials{ConsumerKey: "k"}}
	if _, err := NewStrategy(context.Background(), pc1, StrategyOptions{OptConsumerKey: "k"}, NormalizeFunc(OAuth1), deps); err == nil {
		t.Fatalf("expected error for missing 1.0 endpoints")
	}
}

func TestOAuth2AuthorizeURLCarriesStateAndPKCE(t *testing.T) {
	deps := StrategyDeps{State: NewStateSigner(testSecret, 0), Logger: discardLogger()}
	pc := ProviderConfig{Provider: "github", Credentials: OAuth2Credentials{}}
	opts := StrategyOptions{
		OptAuthorizationURL: "https://provider.example.com/authorize",
		OptTokenURL:         "https://provider.example.com/token",
		OptClientID:         "cid",
		OptCallbackURL:      "http://127.0.0.1/oauth/2.0/github/callback",
		"scope":             "read:user repo",
		"pkce":              true,
		"authParams":        map[string]any{"prompt": "consent"},
	}
	s, err := NewStrategy(context.Background(), pc, opts, NormalizeFunc(OAuth2), deps)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}

	flow := Flow{}
	authURL, err := s.AuthorizeURL(context.Background(), flow)
	if err != nil {
		t.Fatalf("AuthorizeURL: %v", err)
	}
	u := mustParseURL(t, authURL)
	q := u.Query()
	if q.Get("client_id") != "cid" || q.Get("scope") != "read:user repo" || q.Get("prompt") != "consent" {
		t.Fatalf("unexpected query %v", q)
	}
	if q.Get("code_challenge_method") != "S256" || flow[flowVerifier] == "" {
		t.Fatalf("pkce not applied: %v flow=%v", q, flow)
	}
	if err := deps.State.Verify(q.Get("state"), OAuth2, "github", flow[flowNonce]); err != nil {
		t.Fatalf("state should verify against the flow nonce: %v", err)
	}
}
