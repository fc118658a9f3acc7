package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// Session is the result of one successful authentication. A refresh
// produces a new Session; existing values are never modified.
type Session struct {
	Token     string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// NewSession builds a session from an AUTH_SUCCESS. When the token is a JWT
// its exp and sub claims are read without verification (the platform is the
// verifier); otherwise expiresIn seconds from now is used.
func NewSession(token string, expiresIn int64, now time.Time) *Session {
	s := &Session{Token: token, IssuedAt: now}
	if expiresIn > 0 {
		s.ExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		debug.Debug("Session token is not a JWT, using expires_in: %v", err)
		return s
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		s.IssuedAt = iat.Time
	}
	if sub, err := claims.GetSubject(); err == nil {
		s.Subject = sub
	}
	return s
}

// Expired reports whether the session has a known expiry at or before now.
func (s *Session) Expired(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
