package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// oauth2Strategy runs the authorization-code grant against one provider.
type oauth2Strategy struct {
	provider   string
	config     *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	profileURL string
	pkce       bool
	authParams map[string]string
	verify     VerifyFunc
	state      *StateSigner
	client     *http.Client
	logger     *slog.Logger
}

func newOAuth2Strategy(ctx context.Context, provider string, opts StrategyOptions, verify VerifyFunc, deps StrategyDeps) (*oauth2Strategy, error) {
	if deps.State == nil {
		return nil, fmt.Errorf("provider %s: state signer required", provider)
	}
	clientID := opts.String(OptClientID)
	clientSecret := opts.String(OptClientSecret)

	endpoint := oauth2.Endpoint{
		AuthURL:  opts.String(OptAuthorizationURL),
		TokenURL: opts.String(OptTokenURL),
	}

	var verifier *oidc.IDTokenVerifier
	if issuer := opts.String("issuer"); issuer != "" {
		op, err := oidc.NewProvider(oidc.ClientContext(ctx, deps.HTTPClient), issuer)
		if err != nil {
			return nil, fmt.Errorf("discover provider %s: %w", provider, err)
		}
		discovered := op.Endpoint()
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = discovered.AuthURL
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = discovered.TokenURL
		}
		verifier = op.Verifier(&oidc.Config{ClientID: clientID})
	}
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		return nil, fmt.Errorf("provider %s: authorization and token URLs required", provider)
	}

	switch strings.ToLower(opts.String("authStyle")) {
	case "params":
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	case "header":
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	default:
		if clientSecret == "" {
			endpoint.AuthStyle = oauth2.AuthStyleInParams
		}
	}

	scopes := opts.Strings("scope", opts.String("scopeSeparator"))
	if verifier != nil && !containsString(scopes, oidc.ScopeOpenID) {
		scopes = append([]string{oidc.ScopeOpenID}, scopes...)
	}

	warnUnknownOptions(deps.Logger, provider, opts)

	return &oauth2Strategy{
		provider: provider,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  opts.String(OptCallbackURL),
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier:   verifier,
		profileURL: opts.String("profileURL"),
		pkce:       opts.Bool("pkce"),
		authParams: opts.StringMap("authParams"),
		verify:     verify,
		state:      deps.State,
		client:     deps.HTTPClient,
		logger:     deps.Logger,
	}, nil
}

func (s *oauth2Strategy) Protocol() Protocol { return OAuth2 }

func (s *oauth2Strategy) Provider() string { return s.provider }

// AuthorizeURL constructs the authorization request for upstream.
func (s *oauth2Strategy) AuthorizeURL(ctx context.Context, flow Flow) (string, error) {
	nonce := randomToken(16)
	state, err := s.state.Issue(OAuth2, s.provider, nonce)
	if err != nil {
		return "", err
	}
	flow[flowNonce] = nonce

	opts := []oauth2.AuthCodeOption{}
	if s.verifier != nil {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	if s.pkce {
		verifier := oauth2.GenerateVerifier()
		flow[flowVerifier] = verifier
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	for k, v := range s.authParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return s.config.AuthCodeURL(state, opts...), nil
}

// Authenticate completes the code exchange and returns a normalized result.
func (s *oauth2Strategy) Authenticate(ctx context.Context, r *http.Request, flow Flow) (Result, error) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		return Result{}, authFailure(FailureDenied, s.provider, fmt.Errorf("provider returned %s: %s", e, q.Get("error_description")))
	}
	if err := s.state.Verify(q.Get("state"), OAuth2, s.provider, flow[flowNonce]); err != nil {
		return Result{}, authFailure(FailureState, s.provider, err)
	}
	code := q.Get("code")
	if code == "" {
		return Result{}, authFailure(FailureExchange, s.provider, errors.New("missing code"))
	}

	ctx = oidc.ClientContext(ctx, s.client)

	var exchangeOpts []oauth2.AuthCodeOption
	if v := flow[flowVerifier]; v != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(v))
	}
	tok, err := s.config.Exchange(ctx, code, exchangeOpts...)
	if err != nil {
		return Result{}, authFailure(FailureExchange, s.provider, fmt.Errorf("exchange code: %w", err))
	}

	profile := Profile{Provider: s.provider}
	if s.verifier != nil {
		if rawIDToken, ok := tok.Extra("id_token").(string); ok && rawIDToken != "" {
			idToken, err := s.verifier.Verify(ctx, rawIDToken)
			if err != nil {
				return Result{}, authFailure(FailureProfile, s.provider, fmt.Errorf("verify id_token: %w", err))
			}
			var claims map[string]any
			if err := idToken.Claims(&claims); err != nil {
				return Result{}, authFailure(FailureProfile, s.provider, fmt.Errorf("parse claims: %w", err))
			}
			if nonce, ok := claims["nonce"].(string); !ok || nonce != flow[flowNonce] {
				return Result{}, authFailure(FailureState, s.provider, errors.New("id_token nonce mismatch"))
			}
			profile = profileFromClaims(s.provider, idToken.Subject, claims)
		}
	}

	if s.profileURL != "" {
		fetched, err := fetchProfile(ctx, s.config.Client(ctx, tok), s.provider, s.profileURL)
		if err != nil {
			return Result{}, authFailure(FailureProfile, s.provider, err)
		}
		profile = mergeProfile(profile, fetched)
	}

	res, err := s.verify(tok.AccessToken, tok.RefreshToken, profile)
	if err != nil {
		return Result{}, authFailure(FailureVerify, s.provider, err)
	}
	return res, nil
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
