package gateway

import (
	"crypto/subtle"

	"alfred-ai/internal/domain"
)

// Authenticator validates the token a client sends in its first AwaitAuth
// frame.
type Authenticator interface {
	Authenticate(token string) error
}

// StaticTokenAuth authenticates a connection against a single configured
// token, using constant-time comparison so the check takes the same time
// whether or not the token matches.
type StaticTokenAuth struct {
	token []byte
}

// NewStaticTokenAuth builds an authenticator around the gateway's
// configured token.
func NewStaticTokenAuth(token string) *StaticTokenAuth {
	return &StaticTokenAuth{token: []byte(token)}
}

// Authenticate reports domain.ErrAuth if token does not match.
func (s *StaticTokenAuth) Authenticate(token string) error {
	if subtle.ConstantTimeCompare([]byte(token), s.token) == 1 {
		return nil
	}
	return domain.ErrAuth
}
