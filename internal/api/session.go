package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrNoCredentials means no email/password is configured. Uploads cannot
// proceed until an operator sets them.
var ErrNoCredentials = errors.New("no auth credentials configured")

// Credentials are the locally configured login.
type Credentials struct {
	Email    string
	Password string
}

// Authenticator performs a login; *Client satisfies it.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (Tokens, error)
}

// Session caches the access token shared by all upload workers.
type Session struct {
	auth        Authenticator
	credentials func() Credentials
	now         func() time.Time

	mu     sync.Mutex
	tokens Tokens
}

// NewSession returns a session that logs in with the credentials returned by
// credentials at the time of each login.
func NewSession(auth Authenticator, credentials func() Credentials) *Session {
	return &Session{auth: auth, credentials: credentials, now: time.Now}
}

// Token returns a cached, unexpired access token, logging in if needed.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.validLocked() {
		return s.tokens.AccessToken, nil
	}

	creds := s.credentials()
	if creds.Email == "" || creds.Password == "" {
		return "", ErrNoCredentials
	}

	tokens, err := s.auth.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		return "", err
	}
	s.tokens = tokens
	return tokens.AccessToken, nil
}

// Valid reports whether a usable token is cached.
func (s *Session) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validLocked()
}

// Invalidate drops the cached token if it is still the given one. An empty
// token drops whatever is cached.
func (s *Session) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" || s.tokens.AccessToken == token {
		s.tokens = Tokens{}
	}
}

func (s *Session) validLocked() bool {
	if s.tokens.AccessToken == "" {
		return false
	}
	exp, ok := tokenExpiry(s.tokens.AccessToken)
	if !ok {
		// Token nieprzezroczysty: ufamy mu do pierwszego 401
		return true
	}
	return s.now().Before(exp)
}

// tokenExpiry reads the exp claim of a JWT without verifying it.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
