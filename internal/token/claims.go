// Package token mints and verifies the credentials handed out after a
// successful OTP verification.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/model"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// Claims are the JWT claims shared by both strategies.
type Claims struct {
	Role    string `json:"role,omitempty"`
	Session string `json:"session,omitempty"`
	Type    string `json:"typ"`
	jwt.RegisteredClaims
}

type signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func (s signer) sign(subject *model.Subject, sessionID, typ string, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(ttl)
	claims := Claims{
		Role:    subject.Role,
		Session: sessionID,
		Type:    typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", typ, err)
	}
	return signed, expires, nil
}

func (s signer) parse(raw, wantType string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != wantType {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, wantType)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

func (c *Claims) accessClaims() *model.AccessClaims {
	ac := &model.AccessClaims{
		SubjectID: c.Subject,
		Role:      c.Role,
		SessionID: c.Session,
	}
	if c.ExpiresAt != nil {
		ac.ExpiresAt = c.ExpiresAt.Time
	}
	return ac
}

// New builds the issuer selected by cfg.Strategy. sessions is required for
// the session strategy and ignored otherwise.
func New(cfg config.TokenConfig, sessions model.SessionStore) (model.TokenIssuer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token secret is required")
	}
	switch cfg.Strategy {
	case "session":
		if sessions == nil {
			return nil, errors.New("session strategy requires a session store")
		}
		return NewSessionIssuer(cfg, sessions), nil
	case "jwt":
		return NewJWTIssuer(cfg), nil
	default:
		return nil, fmt.Errorf("unknown token strategy %q", cfg.Strategy)
	}
}
