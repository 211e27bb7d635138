package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/sessions"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a dev config that never touches the secrets directory.
func testConfig(publicURL string) Config {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = publicURL
	cfg.Server.SecretsPath = ""
	cfg.Sessions.Secret = testSecret
	return cfg
}

func testCookieStore() sessions.Store {
	cfg := testConfig("http://127.0.0.1")
	store, err := NewSessionStore(cfg, testSecret, nil)
	if err != nil {
		panic(err)
	}
	return store
}

// roundTrip saves sess through sm and returns a fresh request carrying the
// resulting cookies.
func roundTrip(t *testing.T, sm *SessionManager, r *http.Request, sess *Session) *http.Request {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := sm.Save(rec, r, sess); err != nil {
		t.Fatalf("save session: %v", err)
	}
	next := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		next.AddCookie(c)
	}
	return next
}

func hasCookie(rec *httptest.ResponseRecorder, name string) bool {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return true
		}
	}
	return strings.Contains(rec.Header().Get("Set-Cookie"), name+"=")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}
