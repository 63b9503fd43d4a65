package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/model"
)

const sessionColumns = `id, token_hash, subject_id, expires_at, created_at, ip_address, user_agent, origin`

// SessionRepository persists refresh sessions.
type SessionRepository struct {
	pool  client.DBPool
	table string
	now   func() time.Time
}

func NewSessionRepository(pool client.DBPool, table string) *SessionRepository {
	return &SessionRepository{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *SessionRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          TEXT PRIMARY KEY,
			token_hash  TEXT NOT NULL UNIQUE,
			subject_id  TEXT NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ip_address  TEXT NOT NULL DEFAULT '',
			user_agent  TEXT NOT NULL DEFAULT '',
			origin      TEXT NOT NULL DEFAULT ''
		)`, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS auth_sessions_expires_idx ON %s (expires_at)`, r.table),
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply session schema: %w", err)
		}
	}
	return nil
}

func (r *SessionRepository) CreateSession(ctx context.Context, session *model.Session) error {
	_, err := r.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, r.table, sessionColumns),
		session.ID, session.TokenHash, session.SubjectID, session.ExpiresAt, session.CreatedAt,
		session.IPAddress, session.UserAgent, session.Origin,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	err := r.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND expires_at > $2`, sessionColumns, r.table),
		id, r.now(),
	).Scan(&s.ID, &s.TokenHash, &s.SubjectID, &s.ExpiresAt, &s.CreatedAt, &s.IPAddress, &s.UserAgent, &s.Origin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &s, nil
}

func (r *SessionRepository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, r.table), now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
