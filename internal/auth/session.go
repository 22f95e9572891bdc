// Package auth provides the session credential and the validator that gates
// every connect attempt.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoSession        = errors.New("no session")
	ErrSessionExpired   = errors.New("session expired")
	ErrPlatformNotReady = errors.New("platform not ready")
	ErrMalformedToken   = errors.New("malformed token")
)

// Session is a read-only credential snapshot.
type Session struct {
	Token     string    // Bearer token presented on connect
	Identity  string    // Subject the session belongs to
	ExpiresAt time.Time // Zero if the token carries no expiry hint
}

// Expired reports whether the expiry hint is in the past.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ParseToken reads the subject and expiry claims of a JWT. The signature is
// not verified; the server does that on connect.
func ParseToken(token string) (Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	s := Session{Token: token}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Session{}, fmt.Errorf("%w: exp: %v", ErrMalformedToken, err)
	}
	if exp != nil {
		s.ExpiresAt = exp.Time
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return Session{}, fmt.Errorf("%w: sub: %v", ErrMalformedToken, err)
	}
	s.Identity = sub

	return s, nil
}

// NewSession builds a session from a token. JWT claims fill in the expiry and,
// when identity is empty, the subject. Opaque tokens are used as they are.
func NewSession(token, identity string) Session {
	s, err := ParseToken(token)
	if err != nil {
		return Session{Token: token, Identity: identity}
	}
	if identity != "" {
		s.Identity = identity
	}
	return s
}

// LoadSessionFile reads a token from a file.
func LoadSessionFile(path, identity string) (Session, error) {
	if path == "" {
		return Session{}, fmt.Errorf("token file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return Session{}, fmt.Errorf("%w: token file %s is empty", ErrNoSession, path)
	}

	return NewSession(token, identity), nil
}

// SessionSource provides the current credential. It returns ErrNoSession
// when there is none.
type SessionSource interface {
	Current(ctx context.Context) (Session, error)
}

// SourceFunc adapts a function to SessionSource.
type SourceFunc func(ctx context.Context) (Session, error)

func (f SourceFunc) Current(ctx context.Context) (Session, error) { return f(ctx) }

// StaticSource always returns the same session.
type StaticSource struct {
	Session Session
}

func (s StaticSource) Current(context.Context) (Session, error) {
	if s.Session.Token == "" {
		return Session{}, ErrNoSession
	}
	return s.Session, nil
}

// FileSource re-reads the token file on every call, so a rotated token is
// picked up by the next connect attempt.
type FileSource struct {
	Path     string
	Identity string
}

func (s FileSource) Current(context.Context) (Session, error) {
	session, err := LoadSessionFile(s.Path, s.Identity)
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return session, err
}
