package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultStateTTL bounds how long a user may sit on a provider consent screen.
const DefaultStateTTL = 10 * time.Minute

// StateSigner issues and checks the OAuth 2.0 state parameter. The state is
// an HS256 JWT bound to the (protocol, provider) pair and to a nonce kept in
// the session, so a callback only succeeds in the browser that started it.
type StateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

type stateClaims struct {
	Protocol string `json:"proto"`
	Provider string `json:"prv"`
	Nonce    string `json:"nonce"`
	jwt.RegisteredClaims
}

// NewStateSigner derives a dedicated signing key from the session secret.
func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	sum := sha256.Sum256([]byte("oauthsock/state:" + secret))
	return &StateSigner{key: sum[:], ttl: ttl, now: time.Now}
}

// Issue returns a signed state token.
func (s *StateSigner) Issue(protocol Protocol, provider, nonce string) (string, error) {
	now := s.now()
	claims := stateClaims{
		Protocol: string(protocol),
		Provider: provider,
		Nonce:    nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, provider binding and nonce.
func (s *StateSigner) Verify(raw string, protocol Protocol, provider, nonce string) error {
	if raw == "" {
		return errors.New("missing state")
	}
	if nonce == "" {
		return errors.New("no pending flow in session")
	}

	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("parse state: %w", err)
	}

	if claims.Protocol != string(protocol) || claims.Provider != provider {
		return fmt.Errorf("state issued for %s/%s", claims.Protocol, claims.Provider)
	}
	if subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(nonce)) != 1 {
		return errors.New("state nonce mismatch")
	}
	return nil
}
