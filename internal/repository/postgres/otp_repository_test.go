package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-auth-service/internal/model"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestOTPRepository_Issue(t *testing.T) {
	mock := newMockPool(t)
	repo := NewOTPRepository(mock, "otp_codes")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("+33612345678").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "otp_codes" SET used = TRUE WHERE phone = $1 AND NOT used`)).
		WithArgs("+33612345678").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "otp_codes"`)).
		WithArgs(anyArgs(10)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("rec-1"))
	mock.ExpectCommit()

	id, err := repo.Issue(context.Background(), &model.OTPRecord{
		ID:        "rec-1",
		SubjectID: "user-1",
		Phone:     "+33612345678",
		CodeHash:  "argon2id$...",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOTPRepository_IssueRollsBackOnInsertFailure(t *testing.T) {
	mock := newMockPool(t)
	repo := NewOTPRepository(mock, "otp_codes")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`pg_advisory_xact_lock`)).
		WithArgs("+33612345678").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "otp_codes" SET used = TRUE`)).
		WithArgs("+33612345678").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "otp_codes"`)).
		WithArgs(anyArgs(10)...).
		WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	_, err := repo.Issue(context.Background(), &model.OTPRecord{Phone: "+33612345678"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOTPRepository_LatestUnusedByPhone(t *testing.T) {
	mock := newMockPool(t)
	repo := NewOTPRepository(mock, "otp_codes")

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "subject_id", "phone", "code_hash", "expires_at", "created_at", "attempts", "used", "ip_address", "user_agent"}).
		AddRow("rec-2", "user-1", "+33612345678", "hash", created.Add(5*time.Minute), created, 1, false, "10.0.0.1", "curl")

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "otp_codes" WHERE phone = $1 AND NOT used ORDER BY created_at DESC`)).
		WithArgs("+33612345678").
		WillReturnRows(rows)

	rec, err := repo.LatestUnusedByPhone(context.Background(), "+33612345678")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rec-2", rec.ID)
	assert.Equal(t, 1, rec.Attempts)
	assert.False(t, rec.Used)
	assert.Equal(t, created.Add(5*time.Minute), rec.ExpiresAt)
}

func TestOTPRepository_LatestUnusedByPhoneNone(t *testing.T) {
	mock := newMockPool(t)
	repo := NewOTPRepository(mock, "otp_codes")

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "otp_codes" WHERE phone = $1`)).
		WithArgs("+33612345678").
		WillReturnError(pgx.ErrNoRows)

	rec, err := repo.LatestUnusedByPhone(context.Background(), "+33612345678")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestOTPRepository_IncrementAttempts(t *testing.T) {
	mock := newMockPool(t)
	repo := NewOTPRepository(mock, "otp_codes")

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE "otp_codes" SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`)).
		WithArgs("rec-1").
		WillReturnRows(pgxmock.NewRows([]string{"attempts"}).AddRow(2))

	n, err := repo.IncrementAttempts(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mock.ExpectQuery(regexp.QuoteMeta(`SET attempts = attempts + 1`)).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.IncrementAttempts(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOTPRepository_IssueLockFailure(t *testing.T) {
	mock := newMockPool(t)
	repo := NewOTPRepository(mock, "otp_codes")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`pg_advisory_xact_lock`)).
		WithArgs("+33612345678").
		WillReturnError(errors.New("canceling statement due to lock timeout"))
	mock.ExpectRollback()

	_, err := repo.Issue(context.Background(), &model.OTPRecord{Phone: "+33612345678"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOTPRepository_Consume(t *testing.T) {
	mock := newMockPool(t)
	repo := NewOTPRepository(mock, "otp_codes")
	consume := regexp.QuoteMeta(`UPDATE "otp_codes" SET used = TRUE, attempts = GREATEST(attempts - 1, 0) WHERE id = $1 AND NOT used`)

	mock.ExpectExec(consume).
		WithArgs("rec-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(consume).
		WithArgs("rec-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.Consume(context.Background(), "rec-1"))
	assert.ErrorIs(t, repo.Consume(context.Background(), "rec-1"), model.ErrRecordConsumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOTPRepository_MarkUsedAndCleanup(t *testing.T) {
	mock := newMockPool(t)
	repo := NewOTPRepository(mock, "otp_codes")
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "otp_codes" SET used = TRUE WHERE id = $1`)).
		WithArgs("rec-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "otp_codes" WHERE expires_at < $1`)).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	require.NoError(t, repo.MarkUsed(context.Background(), "rec-1"))

	deleted, err := repo.CleanupExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOTPRepository_TableNameIsQuoted(t *testing.T) {
	repo := NewOTPRepository(nil, `otp"; DROP TABLE users; --`)
	assert.Equal(t, `"otp""; DROP TABLE users; --"`, repo.table)
}
