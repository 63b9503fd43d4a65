package token

import (
	"context"
	"time"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/model"
)

// JWTIssuer hands out a stateless access/refresh JWT pair. Nothing is stored.
type JWTIssuer struct {
	signer
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewJWTIssuer(cfg config.TokenConfig) *JWTIssuer {
	return &JWTIssuer{
		signer:     signer{secret: []byte(cfg.Secret), issuer: cfg.Issuer, now: func() time.Time { return time.Now().UTC() }},
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}
}

func (i *JWTIssuer) IssueSession(ctx context.Context, subject *model.Subject, meta model.SessionMeta) (*model.TokenPair, error) {
	access, _, err := i.sign(subject, "", typeAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, _, err := i.sign(subject, "", typeRefresh, i.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    i.accessTTL,
	}, nil
}

func (i *JWTIssuer) VerifyAccess(ctx context.Context, raw string) (*model.AccessClaims, error) {
	claims, err := i.parse(raw, typeAccess)
	if err != nil {
		return nil, err
	}
	return claims.accessClaims(), nil
}
