package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

// SessionRepository keeps refresh sessions in sessions_by_id. Rows are
// written with a TTL matching the session lifetime.
type SessionRepository struct {
	client *ScyllaClient
	now    func() time.Time
}

func NewSessionRepository(client *ScyllaClient) *SessionRepository {
	return &SessionRepository{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *SessionRepository) CreateSession(ctx context.Context, session *model.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = r.now()
	}
	ttl := sessionTTL(session.ExpiresAt, r.now())
	if ttl <= 0 {
		return errors.New("failed to create session: already expired")
	}
	query := r.client.Query(ctx, r.client.Statements.InsertSessionByID,
		session.ID, session.TokenHash, session.SubjectID, session.ExpiresAt, session.CreatedAt,
		session.IPAddress, session.UserAgent, session.Origin, ttl)

	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		util.Error("Failed to create session",
			zap.String("subject_id", session.SubjectID),
			zap.String("session_id", session.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	util.Debug("Session created",
		zap.String("subject_id", session.SubjectID),
		zap.String("session_id", session.ID))
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	err := r.client.ScanWithRetry(ctx,
		r.client.Query(ctx, r.client.Statements.SelectSessionByID, id),
		&s.ID, &s.TokenHash, &s.SubjectID, &s.ExpiresAt, &s.CreatedAt,
		&s.IPAddress, &s.UserAgent, &s.Origin)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		util.Error("Failed to get session", zap.String("session_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	// TTL granularity is one second.
	if !s.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	return &s, nil
}

// DeleteExpiredSessions is a no-op; expiry is handled by the row TTL.
func (r *SessionRepository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func sessionTTL(expiresAt, now time.Time) int {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
