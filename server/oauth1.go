package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/dghubble/oauth1"
)

// oauth1Strategy runs the three-legged OAuth 1.0a handshake.
type oauth1Strategy struct {
	provider   string
	config     *oauth1.Config
	profileURL string
	authParams map[string]string
	verify     VerifyFunc
	client     *http.Client
}

func newOAuth1Strategy(provider string, opts StrategyOptions, verify VerifyFunc, deps StrategyDeps) (*oauth1Strategy, error) {
	endpoint := oauth1.Endpoint{
		RequestTokenURL: opts.String(OptRequestTokenURL),
		AuthorizeURL:    opts.String(OptUserAuthorizationURL),
		AccessTokenURL:  opts.String(OptAccessTokenURL),
	}
	if endpoint.RequestTokenURL == "" || endpoint.AuthorizeURL == "" || endpoint.AccessTokenURL == "" {
		return nil, fmt.Errorf("provider %s: request token, authorization and access token URLs required", provider)
	}

	warnUnknownOptions(deps.Logger, provider, opts)

	return &oauth1Strategy{
		provider: provider,
		config: &oauth1.Config{
			ConsumerKey:    opts.String(OptConsumerKey),
			ConsumerSecret: opts.String(OptConsumerSecret),
			CallbackURL:    opts.String(OptCallbackURL),
			Endpoint:       endpoint,
			HTTPClient:     deps.HTTPClient,
		},
		profileURL: opts.String("profileURL"),
		authParams: opts.StringMap("authParams"),
		verify:     verify,
		client:     deps.HTTPClient,
	}, nil
}

func (s *oauth1Strategy) Protocol() Protocol { return OAuth1 }

func (s *oauth1Strategy) Provider() string { return s.provider }

// AuthorizeURL obtains a request token and points the user at the provider.
func (s *oauth1Strategy) AuthorizeURL(ctx context.Context, flow Flow) (string, error) {
	requestToken, requestSecret, err := s.config.RequestToken()
	if err != nil {
		return "", authFailure(FailureExchange, s.provider, fmt.Errorf("request token: %w", err))
	}
	authURL, err := s.config.AuthorizationURL(requestToken)
	if err != nil {
		return "", authFailure(FailureConfig, s.provider, fmt.Errorf("authorization url: %w", err))
	}
	if len(s.authParams) > 0 {
		q := authURL.Query()
		for k, v := range s.authParams {
			q.Set(k, v)
		}
		authURL.RawQuery = q.Encode()
	}
	flow[flowRequestToken] = requestToken
	flow[flowRequestSecret] = requestSecret
	return authURL.String(), nil
}

// Authenticate trades the authorized request token for an access token.
func (s *oauth1Strategy) Authenticate(ctx context.Context, r *http.Request, flow Flow) (Result, error) {
	q := r.URL.Query()
	if q.Get("denied") != "" || q.Get("error") != "" {
		return Result{}, authFailure(FailureDenied, s.provider, errors.New("user denied authorization"))
	}

	requestToken, verifier, err := oauth1.ParseAuthorizationCallback(r)
	if err != nil {
		return Result{}, authFailure(FailureState, s.provider, fmt.Errorf("parse callback: %w", err))
	}
	pending := flow[flowRequestToken]
	if pending == "" {
		return Result{}, authFailure(FailureState, s.provider, errors.New("no pending flow in session"))
	}
	if subtle.ConstantTimeCompare([]byte(pending), []byte(requestToken)) != 1 {
		return Result{}, authFailure(FailureState, s.provider, errors.New("request token mismatch"))
	}

	accessToken, accessSecret, err := s.config.AccessToken(requestToken, flow[flowRequestSecret], verifier)
	if err != nil {
		return Result{}, authFailure(FailureExchange, s.provider, fmt.Errorf("access token: %w", err))
	}

	profile := Profile{Provider: s.provider}
	if s.profileURL != "" {
		ctx = context.WithValue(ctx, oauth1.HTTPClient, s.client)
		client := s.config.Client(ctx, oauth1.NewToken(accessToken, accessSecret))
		fetched, err := fetchProfile(ctx, client, s.provider, s.profileURL)
		if err != nil {
			return Result{}, authFailure(FailureProfile, s.provider, err)
		}
		profile = mergeProfile(profile, fetched)
	}

	res, err := s.verify(accessToken, accessSecret, profile)
	if err != nil {
		return Result{}, authFailure(FailureVerify, s.provider, err)
	}
	return res, nil
}
