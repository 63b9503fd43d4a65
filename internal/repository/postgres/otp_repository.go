package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

const otpColumns = `id, subject_id, phone, code_hash, expires_at, created_at, attempts, used, ip_address, user_agent`

// OTPRepository stores OTP records in a single table. One unused record per
// phone is enforced by Issue's transaction and a partial unique index.
type OTPRepository struct {
	pool  client.DBPool
	table string
}

func NewOTPRepository(pool client.DBPool, table string) *OTPRepository {
	return &OTPRepository{pool: pool, table: pgx.Identifier{table}.Sanitize()}
}

// EnsureSchema creates the table and its indexes when missing.
func (r *OTPRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          UUID PRIMARY KEY,
			subject_id  TEXT NOT NULL,
			phone       TEXT NOT NULL,
			code_hash   TEXT NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			attempts    INTEGER NOT NULL DEFAULT 0,
			used        BOOLEAN NOT NULL DEFAULT FALSE,
			ip_address  TEXT NOT NULL DEFAULT '',
			user_agent  TEXT NOT NULL DEFAULT ''
		)`, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS otp_phone_created_idx ON %s (phone, created_at DESC)`, r.table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS otp_one_unused_per_phone ON %s (phone) WHERE NOT used`, r.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS otp_expires_idx ON %s (expires_at)`, r.table),
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply otp schema: %w", err)
		}
	}
	return nil
}

func (r *OTPRepository) Create(ctx context.Context, record *model.OTPRecord) (string, error) {
	if err := r.insert(ctx, r.pool, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

// Issue invalidates the phone's unused records and inserts record in one
// transaction. Concurrent issues for one phone queue on a transaction-scoped
// advisory lock instead of colliding on otp_one_unused_per_phone.
func (r *OTPRepository) Issue(ctx context.Context, record *model.OTPRecord) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin otp transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, record.Phone); err != nil {
		return "", fmt.Errorf("failed to lock phone for otp issue: %w", err)
	}

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET used = TRUE WHERE phone = $1 AND NOT used`, r.table),
		record.Phone); err != nil {
		return "", fmt.Errorf("failed to invalidate previous otps: %w", err)
	}
	if err := r.insert(ctx, tx, record); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit otp transaction: %w", err)
	}

	util.Debug("OTP issued", util.String("otp_id", record.ID), util.String("phone_hash", util.HashPhone(record.Phone)))
	return record.ID, nil
}

// rowQuerier is satisfied by both the pool and a pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *OTPRepository) insert(ctx context.Context, db rowQuerier, record *model.OTPRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`, r.table, otpColumns)
	var id string
	if err := db.QueryRow(ctx, query,
		record.ID, record.SubjectID, record.Phone, record.CodeHash,
		record.ExpiresAt, record.CreatedAt, record.Attempts, record.Used,
		record.IPAddress, record.UserAgent,
	).Scan(&id); err != nil {
		return fmt.Errorf("failed to insert otp: %w", err)
	}
	record.ID = id
	return nil
}

func (r *OTPRepository) InvalidateAllForPhone(ctx context.Context, phone string) error {
	_, err := r.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET used = TRUE WHERE phone = $1 AND NOT used`, r.table),
		phone)
	if err != nil {
		return fmt.Errorf("failed to invalidate otps: %w", err)
	}
	return nil
}

func (r *OTPRepository) LatestUnusedByPhone(ctx context.Context, phone string) (*model.OTPRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE phone = $1 AND NOT used ORDER BY created_at DESC, id DESC LIMIT 1`, otpColumns, r.table)

	var rec model.OTPRecord
	err := r.pool.QueryRow(ctx, query, phone).Scan(
		&rec.ID, &rec.SubjectID, &rec.Phone, &rec.CodeHash,
		&rec.ExpiresAt, &rec.CreatedAt, &rec.Attempts, &rec.Used,
		&rec.IPAddress, &rec.UserAgent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load otp: %w", err)
	}
	return &rec, nil
}

// IncrementAttempts bumps the counter in SQL so concurrent callers never lose an update.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, r.table),
		id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, model.ErrRecordNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment otp attempts: %w", err)
	}
	return attempts, nil
}

// Consume flips used only while the row is still unused; RowsAffected tells
// the winner of concurrent verifies apart.
func (r *OTPRepository) Consume(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET used = TRUE, attempts = GREATEST(attempts - 1, 0) WHERE id = $1 AND NOT used`, r.table),
		id)
	if err != nil {
		return fmt.Errorf("failed to consume otp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrRecordConsumed
	}
	return nil
}

func (r *OTPRepository) MarkUsed(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET used = TRUE WHERE id = $1`, r.table), id)
	if err != nil {
		return fmt.Errorf("failed to mark otp used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrRecordNotFound
	}
	return nil
}

func (r *OTPRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, r.table), now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired otps: %w", err)
	}
	return tag.RowsAffected(), nil
}
