package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Protocol is an OAuth major version.
type Protocol string

const (
	OAuth1 Protocol = "1.0"
	OAuth2 Protocol = "2.0"
)

// ErrUnknownProtocol is returned for protocol keys other than "1.0" and "2.0".
var ErrUnknownProtocol = errors.New("unsupported oauth protocol")

// ParseProtocol maps a configuration key onto a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.TrimSpace(s)) {
	case OAuth1:
		return OAuth1, nil
	case OAuth2:
		return OAuth2, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
	}
}

// oncompleteKey is reserved in the integrations mapping for completion hooks.
const oncompleteKey = "oncomplete"

// Strategy option keys derived from positional credentials.
const (
	OptRequestTokenURL      = "requestTokenURL"
	OptAccessTokenURL       = "accessTokenURL"
	OptUserAuthorizationURL = "userAuthorizationURL"
	OptConsumerKey          = "consumerKey"
	OptConsumerSecret       = "consumerSecret"
	OptAuthorizationURL     = "authorizationURL"
	OptTokenURL             = "tokenURL"
	OptClientID             = "clientID"
	OptClientSecret         = "clientSecret"
	OptCallbackURL          = "callbackURL"
)

var providerNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Integrations is the raw `protocol -> provider -> spec` mapping from YAML.
type Integrations map[string]map[string]ProviderSpec

// UnmarshalYAML decodes each protocol section. The oncomplete section is
// kept as an empty marker whatever its shape, since hooks are Go functions.
func (in *Integrations) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: integrations must be a mapping", node.Line)
	}
	out := Integrations{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if key.Value == oncompleteKey {
			out[oncompleteKey] = map[string]ProviderSpec{}
			continue
		}
		var providers map[string]ProviderSpec
		if err := val.Decode(&providers); err != nil {
			return fmt.Errorf("integrations.%s: %w", key.Value, err)
		}
		out[key.Value] = providers
	}
	*in = out
	return nil
}

// ProviderSpec is one provider entry as written in YAML. It is either a
// positional list (Values plus an optional trailing Options map) or a
// mapping with named fields.
type ProviderSpec struct {
	Values []string `yaml:"-"`

	RequestTokenURL      string `yaml:"request_token_url,omitempty"`
	AccessTokenURL       string `yaml:"access_token_url,omitempty"`
	UserAuthorizationURL string `yaml:"user_authorization_url,omitempty"`
	ConsumerKey          string `yaml:"consumer_key,omitempty"`
	ConsumerSecret       string `yaml:"consumer_secret,omitempty"`

	AuthorizationURL string `yaml:"authorization_url,omitempty"`
	TokenURL         string `yaml:"token_url,omitempty"`
	ClientID         string `yaml:"client_id,omitempty"`
	ClientSecret     string `yaml:"client_secret,omitempty"`

	Options map[string]any `yaml:"options,omitempty"`
}

var providerSpecKeys = map[string]bool{
	"request_token_url":      true,
	"access_token_url":       true,
	"user_authorization_url": true,
	"consumer_key":           true,
	"consumer_secret":        true,
	"authorization_url":      true,
	"token_url":              true,
	"client_id":              true,
	"client_secret":          true,
	"options":                true,
}

// UnmarshalYAML accepts both the positional and the named form.
func (p *ProviderSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var spec ProviderSpec
		for i, item := range node.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				spec.Values = append(spec.Values, item.Value)
			case yaml.MappingNode:
				if i != len(node.Content)-1 {
					return fmt.Errorf("line %d: options map must be the last list element", item.Line)
				}
				var opts map[string]any
				if err := item.Decode(&opts); err != nil {
					return fmt.Errorf("line %d: decode options: %w", item.Line, err)
				}
				spec.Options = opts
			default:
				return fmt.Errorf("line %d: positional values must be strings", item.Line)
			}
		}
		*p = spec
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if !providerSpecKeys[key.Value] {
				return fmt.Errorf("line %d: field %s not found in provider spec", key.Line, key.Value)
			}
		}
		type plain ProviderSpec
		var spec plain
		if err := node.Decode(&spec); err != nil {
			return err
		}
		*p = ProviderSpec(spec)
		return nil
	default:
		return fmt.Errorf("line %d: provider spec must be a list or a mapping", node.Line)
	}
}

// MarshalYAML writes positional specs back as lists.
func (p ProviderSpec) MarshalYAML() (any, error) {
	if len(p.Values) > 0 {
		out := make([]any, 0, len(p.Values)+1)
		for _, v := range p.Values {
			out = append(out, v)
		}
		if len(p.Options) > 0 {
			out = append(out, p.Options)
		}
		return out, nil
	}
	type plain ProviderSpec
	return plain(p), nil
}

func (p ProviderSpec) credentials(protocol Protocol) (Credentials, error) {
	switch protocol {
	case OAuth1:
		if p.AuthorizationURL != "" || p.TokenURL != "" || p.ClientID != "" || p.ClientSecret != "" {
			return nil, errors.New("OAuth 2.0 fields (authorization_url, token_url, client_id, client_secret) set under protocol 1.0")
		}
		creds := OAuth1Credentials{
			RequestTokenURL:      p.RequestTokenURL,
			AccessTokenURL:       p.AccessTokenURL,
			UserAuthorizationURL: p.UserAuthorizationURL,
			ConsumerKey:          p.ConsumerKey,
			ConsumerSecret:       p.ConsumerSecret,
		}
		if len(p.Values) > 0 {
			if len(p.Values) != 5 {
				return nil, fmt.Errorf("expected 5 positional values (request token URL, access token URL, user authorization URL, consumer key, consumer secret) and an optional options map, got %d", len(p.Values))
			}
			creds = OAuth1Credentials{
				RequestTokenURL:      p.Values[0],
				AccessTokenURL:       p.Values[1],
				UserAuthorizationURL: p.Values[2],
				ConsumerKey:          p.Values[3],
				ConsumerSecret:       p.Values[4],
			}
		}
		return creds, creds.validate()
	case OAuth2:
		if p.RequestTokenURL != "" || p.AccessTokenURL != "" || p.UserAuthorizationURL != "" || p.ConsumerKey != "" || p.ConsumerSecret != "" {
			return nil, errors.New("OAuth 1.0 fields (request_token_url, access_token_url, user_authorization_url, consumer_key, consumer_secret) set under protocol 2.0")
		}
		creds := OAuth2Credentials{
			AuthorizationURL: p.AuthorizationURL,
			TokenURL:         p.TokenURL,
			ClientID:         p.ClientID,
			ClientSecret:     p.ClientSecret,
		}
		if len(p.Values) > 0 {
			if len(p.Values) != 4 {
				return nil, fmt.Errorf("expected 4 positional values (authorization URL, token URL, client id, client secret) and an optional options map, got %d", len(p.Values))
			}
			creds = OAuth2Credentials{
				AuthorizationURL: p.Values[0],
				TokenURL:         p.Values[1],
				ClientID:         p.Values[2],
				ClientSecret:     p.Values[3],
			}
		}
		_, discovery := p.Options["issuer"]
		return creds, creds.validate(discovery)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, protocol)
	}
}

// Credentials is the protocol-specific half of a ProviderConfig.
type Credentials interface {
	Protocol() Protocol
	options() StrategyOptions
}

// OAuth1Credentials are the consumer credentials and endpoints of an OAuth 1.0a provider.
type OAuth1Credentials struct {
	RequestTokenURL      string
	AccessTokenURL       string
	UserAuthorizationURL string
	ConsumerKey          string
	ConsumerSecret       string
}

// Protocol implements Credentials.
func (OAuth1Credentials) Protocol() Protocol { return OAuth1 }

func (c OAuth1Credentials) options() StrategyOptions {
	return StrategyOptions{
		OptRequestTokenURL:      c.RequestTokenURL,
		OptAccessTokenURL:       c.AccessTokenURL,
		OptUserAuthorizationURL: c.UserAuthorizationURL,
		OptConsumerKey:          c.ConsumerKey,
		OptConsumerSecret:       c.ConsumerSecret,
	}
}

func (c OAuth1Credentials) validate() error {
	for field, val := range map[string]string{
		"request token URL":      c.RequestTokenURL,
		"access token URL":       c.AccessTokenURL,
		"user authorization URL": c.UserAuthorizationURL,
	} {
		if err := validateEndpoint(field, val); err != nil {
			return err
		}
	}
	if c.ConsumerKey == "" {
		return errors.New("consumer key is required")
	}
	if c.ConsumerSecret == "" {
		return errors.New("consumer secret is required")
	}
	return nil
}

// OAuth2Credentials are the client credentials and endpoints of an OAuth 2.0 provider.
type OAuth2Credentials struct {
	AuthorizationURL string
	TokenURL         string
	ClientID         string
	ClientSecret     string
}

// Protocol implements Credentials.
func (OAuth2Credentials) Protocol() Protocol { return OAuth2 }

func (c OAuth2Credentials) options() StrategyOptions {
	return StrategyOptions{
		OptAuthorizationURL: c.AuthorizationURL,
		OptTokenURL:         c.TokenURL,
		OptClientID:         c.ClientID,
		OptClientSecret:     c.ClientSecret,
	}
}

// validate allows empty endpoints when OIDC discovery will supply them.
func (c OAuth2Credentials) validate(discovery bool) error {
	for field, val := range map[string]string{
		"authorization URL": c.AuthorizationURL,
		"token URL":         c.TokenURL,
	} {
		if val == "" && discovery {
			continue
		}
		if err := validateEndpoint(field, val); err != nil {
			return err
		}
	}
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	return nil
}

func validateEndpoint(field, val string) error {
	if val == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(val)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got: %s", field, val)
	}
	return nil
}

// ProviderConfig is a validated, immutable provider registration.
type ProviderConfig struct {
	Provider    string
	Credentials Credentials
	Extra       map[string]any
}

// Protocol returns the protocol of the underlying credentials.
func (p ProviderConfig) Protocol() Protocol {
	return p.Credentials.Protocol()
}

// Key identifies the (protocol, provider) pair, e.g. "2.0/github".
func (p ProviderConfig) Key() string {
	return string(p.Protocol()) + "/" + p.Provider
}

// Route is the base path of the provider's route triple.
func (p ProviderConfig) Route() string {
	return "/oauth/" + p.Key()
}

// CallbackURL is the absolute callback the provider redirects back to.
func (p ProviderConfig) CallbackURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + p.Route() + "/callback"
}

// StrategyOptions derives the flat strategy options. Extra entries are
// merged last and win on key collision.
func (p ProviderConfig) StrategyOptions(baseURL string) StrategyOptions {
	opts := p.Credentials.options()
	opts[OptCallbackURL] = p.CallbackURL(baseURL)
	for k, v := range p.Extra {
		opts[k] = v
	}
	return opts
}

// Configs validates the integrations and returns them ordered by protocol
// then provider. Unknown protocols and the reserved oncomplete key are
// skipped with a warning.
func (in Integrations) Configs(logger *slog.Logger) ([]ProviderConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}

	protocols := make([]string, 0, len(in))
	for name := range in {
		protocols = append(protocols, name)
	}
	sort.Strings(protocols)

	var out []ProviderConfig
	for _, name := range protocols {
		if name == oncompleteKey {
			logger.Warn("integration.oncomplete_ignored", "reason", "completion hooks are registered in code")
			continue
		}
		protocol, err := ParseProtocol(name)
		if err != nil {
			logger.Warn("integration.protocol_unsupported", "protocol", name, "providers", len(in[name]))
			continue
		}

		providers := make([]string, 0, len(in[name]))
		for provider := range in[name] {
			providers = append(providers, provider)
		}
		sort.Strings(providers)

		for _, provider := range providers {
			if !providerNamePattern.MatchString(provider) {
				return nil, fmt.Errorf("integrations.%s.%s: provider name must match %s", name, provider, providerNamePattern)
			}
			spec := in[name][provider]
			creds, err := spec.credentials(protocol)
			if err != nil {
				return nil, fmt.Errorf("integrations.%s.%s: %w", name, provider, err)
			}
			out = append(out, ProviderConfig{
				Provider:    provider,
				Credentials: creds,
				Extra:       cloneOptions(spec.Options),
			})
		}
	}
	return out, nil
}

func cloneOptions(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// StrategyOptions is the flat option set handed to a strategy.
type StrategyOptions map[string]any

// String returns a string option or "".
func (o StrategyOptions) String(key string) string {
	switch v := o[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool reports a boolean option, accepting bools and boolean-looking strings.
func (o StrategyOptions) Bool(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		return parseBool(v, false)
	default:
		return false
	}
}

// Strings returns a list option. A string value is split on sep.
func (o StrategyOptions) Strings(key, sep string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if sep == "" {
			sep = " "
		}
		var out []string
		for _, s := range strings.Split(v, sep) {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// StringMap returns a map option with values stringified.
func (o StrategyOptions) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch v := o[key].(type) {
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case map[string]any:
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
