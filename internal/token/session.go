package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/model"
)

const refreshTokenBytes = 48 // 64 URL-safe characters

// SessionIssuer persists a refresh session and signs an access JWT bound to it.
// Access tokens stop verifying once their session is gone.
type SessionIssuer struct {
	signer
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      model.SessionStore
}

func NewSessionIssuer(cfg config.TokenConfig, store model.SessionStore) *SessionIssuer {
	return &SessionIssuer{
		signer:     signer{secret: []byte(cfg.Secret), issuer: cfg.Issuer, now: func() time.Time { return time.Now().UTC() }},
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		store:      store,
	}
}

func (i *SessionIssuer) IssueSession(ctx context.Context, subject *model.Subject, meta model.SessionMeta) (*model.TokenPair, error) {
	refresh, err := randomToken(refreshTokenBytes)
	if err != nil {
		return nil, err
	}

	now := i.now()
	session := &model.Session{
		ID:        uuid.NewString(),
		TokenHash: HashRefreshToken(refresh),
		SubjectID: subject.ID,
		ExpiresAt: now.Add(i.refreshTTL),
		CreatedAt: now,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Origin:    meta.Origin,
	}
	if err := i.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	access, _, err := i.sign(subject, session.ID, typeAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}

	return &model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    i.accessTTL,
	}, nil
}

func (i *SessionIssuer) VerifyAccess(ctx context.Context, raw string) (*model.AccessClaims, error) {
	claims, err := i.parse(raw, typeAccess)
	if err != nil {
		return nil, err
	}
	if claims.Session == "" {
		return nil, fmt.Errorf("%w: missing session", ErrInvalidToken)
	}

	session, err := i.store.GetSession(ctx, claims.Session)
	if err != nil {
		return nil, err
	}
	if session == nil || session.SubjectID != claims.Subject {
		return nil, fmt.Errorf("%w: session revoked or expired", ErrInvalidToken)
	}
	return claims.accessClaims(), nil
}

// HashRefreshToken is the digest stored in place of the refresh token.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
