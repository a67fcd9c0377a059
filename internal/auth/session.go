package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trellis-notes/trellis/backend/internal/document"
)

const defaultTokenTTL = 12 * time.Hour

var (
	ErrMissingSigningSecret = errors.New("session: signing secret required")
	ErrMissingSubject       = errors.New("session: subject required")
	ErrMissingToken         = errors.New("session: token required")
	ErrInvalidToken         = errors.New("session: invalid token")
	ErrExpiredToken         = errors.New("session: token expired")
)

// SessionConfig configures both token issuance and resolution.
type SessionConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Sessions issues and resolves HS256 session tokens. Resolution
// implements the session collaborator the gatekeeper depends on.
type Sessions struct {
	signingSecret []byte
	issuer        string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewSessions constructs the session service with sane defaults.
func NewSessions(cfg SessionConfig) (*Sessions, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sessions{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// IssueToken produces a signed token and its expiry for the user.
func (s *Sessions) IssueToken(userID string) (string, time.Time, error) {
	subject := strings.TrimSpace(userID)
	if subject == "" {
		return "", time.Time{}, ErrMissingSubject
	}

	now := s.clock().UTC()
	expiresAt := now.Add(s.tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Resolve validates the token and returns the session behind it.
func (s *Sessions) Resolve(_ context.Context, tokenString string) (document.Session, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return document.Session{}, ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return s.signingSecret, nil
		},
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return document.Session{}, ErrExpiredToken
		}
		return document.Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return document.Session{}, ErrInvalidToken
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return document.Session{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return document.Session{}, ErrMissingSubject
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return document.Session{UserID: claims.Subject, ExpiresAt: expiresAt}, nil
}
