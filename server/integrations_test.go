package server

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func decodeIntegrations(t *testing.T, src string) Integrations {
	t.Helper()
	var in Integrations
	if err := yaml.Unmarshal([]byte(src), &in); err != nil {
		t.Fatalf("decode integrations: %v", err)
	}
	return in
}

func TestPositionalOAuth2Options(t *testing.T) {
	in := decodeIntegrations(t, `
"2.0":
  github:
    - https://github.com/login/oauth/authorize
    - https://github.com/login/oauth/access_token
    - gh-id
    - gh-secret
    - scope: user
      clientID: override
`)
	configs, err := in.Configs(discardLogger())
	if err != nil {
		t.Fatalf("Configs: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("expected 1 config, got %d", len(configs))
	}

	opts := configs[0].StrategyOptions("https://app.example.com/")
	want := map[string]string{
		OptAuthorizationURL: "https://github.com/login/oauth/authorize",
		OptTokenURL:         "https://github.com/login/oauth/access_token",
		OptClientSecret:     "gh-secret",
		OptCallbackURL:      "https://app.example.com/oauth/2.0/github/callback",
		"scope":             "user",
		// extra map is merged last and wins
		OptClientID: "override",
	}
	for k, v := range want {
		if got := opts.String(k); got != v {
			t.Fatalf("option %s = %q, want %q", k, got, v)
		}
	}
}

func TestPositionalOAuth1Options(t *testing.T) {
	in := decodeIntegrations(t, `
"1.0":
  twitter:
    - https://api.twitter.com/oauth/request_token
    - https://api.twitter.com/oauth/access_token
    - https://api.twitter.com/oauth/authorize
    - ckey
    - csecret
`)
	configs, err := in.Configs(discardLogger())
	if err != nil {
		t.Fatalf("Configs: %v", err)
	}
	pc := configs[0]
	if pc.Protocol() != OAuth1 || pc.Route() != "/oauth/1.0/twitter" {
		t.Fatalf("unexpected config: %s %s", pc.Protocol(), pc.Route())
	}
	opts := pc.StrategyOptions("http://localhost:8080")
	if opts.String(OptRequestTokenURL) != "https://api.twitter.com/oauth/request_token" {
		t.Fatalf("request token url = %q", opts.String(OptRequestTokenURL))
	}
	if opts.String(OptUserAuthorizationURL) != "https://api.twitter.com/oauth/authorize" {
		t.Fatalf("user authorization url = %q", opts.String(OptUserAuthorizationURL))
	}
	if opts.String(OptConsumerSecret) != "csecret" {
		t.Fatalf("consumer secret = %q", opts.String(OptConsumerSecret))
	}
	if opts.String(OptCallbackURL) != "http://localhost:8080/oauth/1.0/twitter/callback" {
		t.Fatalf("callback url = %q", opts.String(OptCallbackURL))
	}
}

func TestSamePositionAcrossProtocols(t *testing.T) {
	// The same slot means different things depending on the protocol key.
	in := decodeIntegrations(t, `
"1.0":
  svc:
    - https://svc.example.com/request
    - https://svc.example.com/access
    - https://svc.example.com/authorize
    - key
    - secret
"2.0":
  svc:
    - https://svc.example.com/authorize
    - https://svc.example.com/token
    - id
    - secret
`)
	configs, err := in.Configs(discardLogger())
	if err != nil {
		t.Fatalf("Configs: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}
	o1 := configs[0].StrategyOptions("http://x.example.com")
	o2 := configs[1].StrategyOptions("http://x.example.com")
	if o1.String(OptRequestTokenURL) != "https://svc.example.com/request" {
		t.Fatalf("1.0 first slot = %q", o1.String(OptRequestTokenURL))
	}
	if o2.String(OptAuthorizationURL) != "https://svc.example.com/authorize" {
		t.Fatalf("2.0 first slot = %q", o2.String(OptAuthorizationURL))
	}
	if configs[0].Key() == configs[1].Key() {
		t.Fatalf("keys must differ per protocol")
	}
}

func TestNamedSpecRoundTrip(t *testing.T) {
	in := decodeIntegrations(t, `
"2.0":
  google:
    client_id: g-id
    client_secret: g-secret
    options:
      issuer: https://accounts.google.com
      pkce: true
`)
	configs, err := in.Configs(discardLogger())
	if err != nil {
		t.Fatalf("named spec with issuer should not need endpoints: %v", err)
	}
	if !configs[0].StrategyOptions("http://localhost").Bool("pkce") {
		t.Fatalf("pkce option lost")
	}

	out, err := yaml.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again := decodeIntegrations(t, string(out))
	if again["2.0"]["google"].ClientID != "g-id" {
		t.Fatalf("round trip lost client_id: %s", out)
	}
}

func TestPositionalMarshalsAsList(t *testing.T) {
	spec := ProviderSpec{Values: []string{"a", "b"}, Options: map[string]any{"scope": "x"}}
	out, err := yaml.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.HasPrefix(string(out), "- a\n- b\n") {
		t.Fatalf("expected list output, got %q", out)
	}
}

func TestConfigsRejectsMalformedSpecs(t *testing.T) {
	cases := map[string]string{
		"wrong arity": `
"2.0":
  github: [https://github.com/login/oauth/authorize, https://github.com/login/oauth/access_token, id]`,
		"relative url": `
"2.0":
  github: [/authorize, https://github.com/login/oauth/access_token, id, secret]`,
		"missing consumer secret": `
"1.0":
  twitter: [https://t.example.com/req, https://t.example.com/acc, https://t.example.com/auth, key, ""]`,
		"cross protocol fields": `
"1.0":
  twitter:
    client_id: nope`,
		"bad provider name": `
"2.0":
  "has space": [https://a.example.com/a, https://a.example.com/t, id, secret]`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			in := decodeIntegrations(t, src)
			_, err := in.Configs(discardLogger())
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), "integrations.") {
				t.Fatalf("error should name the integration path, got %v", err)
			}
		})
	}
}

func TestOptionsMapMustBeLast(t *testing.T) {
	var in Integrations
	err := yaml.Unmarshal([]byte(`
"2.0":
  github:
    - https://github.com/login/oauth/authorize
    - {scope: user}
    - https://github.com/login/oauth/access_token
`), &in)
	if err == nil || !strings.Contains(err.Error(), "last") {
		t.Fatalf("expected options-position error, got %v", err)
	}
}

func TestUnknownProtocolSkippedWithWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	in := decodeIntegrations(t, `
"3.0":
  future: [https://f.example.com/a, https://f.example.com/t, id, secret]
oncomplete:
  github: notify
"2.0":
  github: [https://github.com/login/oauth/authorize, https://github.com/login/oauth/access_token, id, secret]
`)
	configs, err := in.Configs(logger)
	if err != nil {
		t.Fatalf("unknown protocol must not be an error: %v", err)
	}
	if len(configs) != 1 || configs[0].Key() != "2.0/github" {
		t.Fatalf("unexpected configs: %+v", configs)
	}
	logs := buf.String()
	if !strings.Contains(logs, "integration.protocol_unsupported") {
		t.Fatalf("expected unsupported protocol warning, got %q", logs)
	}
	if !strings.Contains(logs, "integration.oncomplete_ignored") {
		t.Fatalf("expected oncomplete warning, got %q", logs)
	}
}

func TestParseProtocol(t *testing.T) {
	if p, err := ParseProtocol("1.0"); err != nil || p != OAuth1 {
		t.Fatalf("ParseProtocol(1.0) = %q, %v", p, err)
	}
	if p, err := ParseProtocol(" 2.0 "); err != nil || p != OAuth2 {
		t.Fatalf("ParseProtocol(2.0) = %q, %v", p, err)
	}
	if _, err := ParseProtocol("2"); !errors.Is(err, ErrUnknownProtocol) {
		t.Fatalf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestStrategyOptionAccessors(t *testing.T) {
	opts := StrategyOptions{
		"scope":      "a,b, c",
		"list":       []any{"x", "y"},
		"pkce":       "true",
		"authParams": map[string]any{"prompt": "consent", "max_age": 0},
	}
	if got := opts.Strings("scope", ","); len(got) != 3 || got[2] != "c" {
		t.Fatalf("Strings(scope) = %v", got)
	}
	if got := opts.Strings("list", ""); len(got) != 2 {
		t.Fatalf("Strings(list) = %v", got)
	}
	if !opts.Bool("pkce") {
		t.Fatalf("Bool(pkce) should accept string true")
	}
	params := opts.StringMap("authParams")
	if params["prompt"] != "consent" || params["max_age"] != "0" {
		t.Fatalf("StringMap = %v", params)
	}
	if opts.String("missing") != "" {
		t.Fatalf("missing option should be empty")
	}
}
