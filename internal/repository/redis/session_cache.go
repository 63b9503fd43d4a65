package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

const sessionPrefix = "session:"

// SessionCache keeps refresh sessions as hashes that expire with the session.
type SessionCache struct {
	client *client.RedisClient
	now    func() time.Time
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client, now: time.Now}
}

func (c *SessionCache) CreateSession(ctx context.Context, session *model.Session) error {
	key := c.client.Key(sessionPrefix, session.ID)

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key,
		"id", session.ID,
		"token_hash", session.TokenHash,
		"subject_id", session.SubjectID,
		"expires_at", session.ExpiresAt.UnixMilli(),
		"created_at", session.CreatedAt.UnixMilli(),
		"ip_address", session.IPAddress,
		"user_agent", session.UserAgent,
		"origin", session.Origin,
	)
	pipe.PExpireAt(ctx, key, session.ExpiresAt)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to create session",
			zap.String("session_id", session.ID),
			zap.String("subject_id", session.SubjectID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Debug("Session created", zap.String("session_id", session.ID), zap.Time("expires_at", session.ExpiresAt))
	return nil
}

func (c *SessionCache) GetSession(ctx context.Context, id string) (*model.Session, error) {
	fields, err := c.client.HGetAll(ctx, c.client.Key(sessionPrefix, id))
	if errors.Is(err, client.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	expiresMs, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid session expires_at: %w", err)
	}
	createdMs, _ := strconv.ParseInt(fields["created_at"], 10, 64)

	s := &model.Session{
		ID:        fields["id"],
		TokenHash: fields["token_hash"],
		SubjectID: fields["subject_id"],
		ExpiresAt: time.UnixMilli(expiresMs).UTC(),
		CreatedAt: time.UnixMilli(createdMs).UTC(),
		IPAddress: fields["ip_address"],
		UserAgent: fields["user_agent"],
		Origin:    fields["origin"],
	}
	if !s.ExpiresAt.After(c.now()) {
		return nil, nil
	}
	return s, nil
}

// DeleteExpiredSessions is a no-op; key expiry removes sessions.
func (c *SessionCache) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
