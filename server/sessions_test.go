package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSessionRoundTrip(t *testing.T) {
	sm := NewSessionManager(testCookieStore(), "", discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	sess, err := sm.Load(req)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sess.ID() == "" {
		t.Fatalf("fresh session should get an id")
	}
	id := sess.ID()

	sess.BindSocket("sock-1")
	sess.SetFlow("2.0/github", Flow{flowNonce: "n1"})
	p := Principal{}
	p.Merge("github", Normalize(OAuth2, "a", "r", Profile{Provider: "github", ID: "1"}))
	if err := sess.SetPrincipal(p); err != nil {
		t.Fatalf("SetPrincipal: %v", err)
	}

	next := roundTrip(t, sm, req, sess)
	again, err := sm.Load(next)
	if err != nil {
		t.Fatalf("Load after save: %v", err)
	}
	if again.ID() != id {
		t.Fatalf("session id changed: %q -> %q", id, again.ID())
	}
	if again.SocketID() != "sock-1" {
		t.Fatalf("socket binding lost: %q", again.SocketID())
	}
	if flow, err := again.Flow("2.0/github"); err != nil || flow[flowNonce] != "n1" {
		t.Fatalf("flow lost: %v %v", flow, err)
	}
	principal, err := again.Principal()
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if principal.OAuth["github"].RefreshToken != "r" {
		t.Fatalf("principal lost: %+v", principal)
	}
}

func TestSessionRebindReplacesSocket(t *testing.T) {
	sm := NewSessionManager(testCookieStore(), "", discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, _ := sm.Load(req)
	sess.BindSocket("old")
	sess.BindSocket("new")
	if sess.SocketID() != "new" {
		t.Fatalf("last binding should win, got %q", sess.SocketID())
	}
}

func TestSessionClearFlow(t *testing.T) {
	sess := newTestSession(t)
	sess.SetFlow("1.0/twitter", Flow{flowRequestToken: "rt"})
	sess.ClearFlow("1.0/twitter")
	if flow, _ := sess.Flow("1.0/twitter"); len(flow) != 0 {
		t.Fatalf("flow should be empty after clear")
	}
}

func TestSessionFlowReportsCorruptEntry(t *testing.T) {
	sess := newTestSession(t)
	sess.Set(sessionKeyFlow+"2.0/github", "{not json")
	flow, err := sess.Flow("2.0/github")
	if err == nil || !strings.Contains(err.Error(), "decode flow 2.0/github") {
		t.Fatalf("expected decode error, got %v", err)
	}
	if flow == nil || len(flow) != 0 {
		t.Fatalf("corrupt flow should come back empty, got %v", flow)
	}
}

func TestPrincipalStoredWithoutRawProfile(t *testing.T) {
	sess := newTestSession(t)
	p := Principal{}
	p.Merge("github", Normalize(OAuth2, "a", "r", Profile{
		Provider: "github",
		ID:       "1",
		Raw:      map[string]any{"bio": strings.Repeat("x", 4096)},
	}))
	if err := sess.SetPrincipal(p); err != nil {
		t.Fatalf("SetPrincipal: %v", err)
	}
	if p.OAuth["github"].Profile.Raw == nil {
		t.Fatalf("caller's principal must not be modified")
	}
	if strings.Contains(sess.Get(sessionKeyPrincipal), "bio") {
		t.Fatalf("raw profile persisted: %s", sess.Get(sessionKeyPrincipal))
	}
	stored, err := sess.Principal()
	if err != nil {
		t.Fatalf("Principal: %v", err)
	}
	if got := stored.OAuth["github"]; got.AccessToken != "a" || got.Profile.ID != "1" {
		t.Fatalf("stored principal = %+v", got)
	}
}

func TestSessionLoadResetsUndecodableCookie(t *testing.T) {
	var buf bytes.Buffer
	sm := NewSessionManager(testCookieStore(), "", slog.New(slog.NewTextHandler(&buf, nil)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultSessionName, Value: "garbage"})

	sess, err := sm.Load(req)
	if err != nil {
		t.Fatalf("Load should recover from a bad cookie: %v", err)
	}
	if sess.ID() == "" || sess.SocketID() != "" {
		t.Fatalf("expected a fresh session, got id=%q socket=%q", sess.ID(), sess.SocketID())
	}
	if !strings.Contains(buf.String(), "session.reset") {
		t.Fatalf("expected session.reset log, got %q", buf.String())
	}
}

func TestSessionCookieAttributes(t *testing.T) {
	cfg := testConfig("https://auth.example.com")
	cfg.Server.DevMode = false
	store, err := NewSessionStore(cfg, testSecret, nil)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	sm := NewSessionManager(store, cfg.Sessions.Name, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "https://auth.example.com/", nil)
	sess, _ := sm.Load(req)
	rec := httptest.NewRecorder()
	if err := sm.Save(rec, req, sess); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !hasCookie(rec, DefaultSessionName) {
		t.Fatalf("expected session cookie")
	}
	c := rec.Result().Cookies()[0]
	if !c.Secure || !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected cookie attributes: %+v", c)
	}
}

func TestNewSessionStoreErrors(t *testing.T) {
	cfg := testConfig("http://127.0.0.1")
	cfg.Sessions.Store = "redis"
	if _, err := NewSessionStore(cfg, testSecret, nil); err == nil {
		t.Fatalf("redis store without client should fail")
	}
	cfg.Sessions.Store = "memcached"
	if _, err := NewSessionStore(cfg, testSecret, nil); err == nil {
		t.Fatalf("unknown store should fail")
	}
}

func TestSessionKeysOptionalEncryption(t *testing.T) {
	keys := sessionKeys(testSecret, "")
	if len(keys) != 2 || keys[1] != nil {
		t.Fatalf("expected hash key only, got %d keys", len(keys))
	}
	keys = sessionKeys(testSecret, "enc")
	if len(keys[1]) != 32 {
		t.Fatalf("block key should be 32 bytes for AES-256")
	}
}
