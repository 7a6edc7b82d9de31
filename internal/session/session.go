// Package session exposes the authentication signal consumed by the sync engine:
// the current user id and whether the stored session may be used for remote calls.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSessionToken   = errors.New("session: token required")
	ErrInvalidSessionToken   = errors.New("session: invalid token")
	ErrExpiredSessionToken   = errors.New("session: token expired")
	ErrMissingSessionSubject = errors.New("session: subject required")
)

// Claims mirrors the JWT payload issued by the brewing backend.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Provider is the auth signal consumed by hydration and queue draining.
type Provider interface {
	UserID() string
	Usable() bool
}

// TokenSessionConfig configures a TokenSession.
type TokenSessionConfig struct {
	Token string
	Clock func() time.Time
}

// TokenSession decodes the session JWT held by the client. Signature
// verification is the backend's concern; the client only reads identity and expiry.
type TokenSession struct {
	mu     sync.RWMutex
	token  string
	claims Claims
	err    error
	clock  func() time.Time
	parser *jwt.Parser
}

// NewTokenSession constructs a TokenSession and decodes the initial token, if any.
func NewTokenSession(cfg TokenSessionConfig) *TokenSession {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	session := &TokenSession{
		clock:  clock,
		parser: jwt.NewParser(jwt.WithoutClaimsValidation()),
	}
	session.SetToken(cfg.Token)
	return session
}

// SetToken replaces the stored token, e.g. after login or refresh.
func (s *TokenSession) SetToken(token string) {
	trimmed := strings.TrimSpace(token)
	claims, err := s.decode(trimmed)
	s.mu.Lock()
	s.token = trimmed
	s.claims = claims
	s.err = err
	s.mu.Unlock()
}

// Clear forgets the stored token (logout).
func (s *TokenSession) Clear() {
	s.SetToken("")
}

// Claims returns the decoded claims or the decoding error.
func (s *TokenSession) Claims() (Claims, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims, s.err
}

// UserID returns the user identifier carried by the token.
func (s *TokenSession) UserID() string {
	claims, err := s.Claims()
	if err != nil {
		return ""
	}
	if claims.UserID != "" {
		return claims.UserID
	}
	return claims.Subject
}

// Usable reports whether the token is present, decodable and unexpired.
func (s *TokenSession) Usable() bool {
	return s.Validate() == nil
}

// Validate explains why the session is not usable.
func (s *TokenSession) Validate() error {
	claims, err := s.Claims()
	if err != nil {
		return err
	}
	if claims.ExpiresAt != nil && !s.clock().Before(claims.ExpiresAt.Time) {
		return ErrExpiredSessionToken
	}
	return nil
}

// Token satisfies gateway.TokenSource.
func (s *TokenSession) Token() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *TokenSession) decode(token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrMissingSessionToken
	}
	claims := Claims{}
	if _, _, err := s.parser.ParseUnverified(token, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" && strings.TrimSpace(claims.UserID) == "" {
		return Claims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// Static is a fixed Provider, used when the host application owns session handling.
type Static struct {
	User     string
	IsUsable bool
}

func (s Static) UserID() string {
	return s.User
}

func (s Static) Usable() bool {
	return s.IsUsable && s.User != ""
}
