package server

import (
	"strings"
	"testing"
	"time"
)

func TestStateRoundTrip(t *testing.T) {
	s := NewStateSigner(testSecret, time.Minute)
	raw, err := s.Issue(OAuth2, "github", "nonce-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := s.Verify(raw, OAuth2, "github", "nonce-1"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestStateRejections(t *testing.T) {
	s := NewStateSigner(testSecret, time.Minute)
	raw, err := s.Issue(OAuth2, "github", "nonce-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := NewStateSigner("another-secret-of-sufficient-length!", time.Minute)
	foreign, _ := other.Issue(OAuth2, "github", "nonce-1")

	tests := []struct {
		name     string
		raw      string
		provider string
		nonce    string
		want     string
	}{
		{"missing state", "", "github", "nonce-1", "missing state"},
		{"no pending flow", raw, "github", "", "no pending flow"},
		{"wrong provider", raw, "google", "nonce-1", "issued for 2.0/github"},
		{"wrong nonce", raw, "github", "nonce-2", "nonce mismatch"},
		{"tampered", raw + "a", "github", "nonce-1", "parse state"},
		{"other key", foreign, "github", "nonce-1", "parse state"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Verify(tt.raw, OAuth2, tt.provider, tt.nonce)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestStateExpires(t *testing.T) {
	s := NewStateSigner(testSecret, time.Minute)
	issuedAt := time.Now()
	s.now = func() time.Time { return issuedAt }
	raw, err := s.Issue(OAuth2, "github", "n")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	s.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	if err := s.Verify(raw, OAuth2, "github", "n"); err == nil {
		t.Fatalf("expected expired state to fail")
	}
}
