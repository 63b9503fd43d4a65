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

func subjectRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "phone", "status", "role", "email", "first_name", "last_name", "password"})
}

func TestUserRepository_FindSubjectByPhone(t *testing.T) {
	mock := newMockPool(t)
	repo := NewUserRepository(mock, "users")

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "users" WHERE phone = $1`)).
		WithArgs("+33612345678").
		WillReturnRows(subjectRows().AddRow("u-1", "+33612345678", "active", "member", "a@b.c", "Ada", "L", "secret"))

	s, err := repo.FindSubjectByPhone(context.Background(), "+33612345678")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "u-1", s.ID)
	assert.True(t, s.IsActive())
	assert.Equal(t, "member", s.Role)
}

func TestUserRepository_NotFoundAndFailure(t *testing.T) {
	mock := newMockPool(t)
	repo := NewUserRepository(mock, "users")

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id::text = $1`)).
		WithArgs("nobody").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE phone = $1`)).
		WithArgs("+1555").
		WillReturnError(errors.New("connection reset"))

	s, err := repo.FindSubjectByID(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = repo.FindSubjectByPhone(context.Background(), "+1555")
	assert.Error(t, err)
}

func TestSessionRepository(t *testing.T) {
	mock := newMockPool(t)
	repo := NewSessionRepository(mock, "auth_sessions")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	session := &model.Session{
		ID:        "sess-1",
		TokenHash: "abc",
		SubjectID: "u-1",
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "auth_sessions"`)).
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "auth_sessions" WHERE id = $1 AND expires_at > $2`)).
		WithArgs("sess-1", now).
		WillReturnRows(pgxmock.NewRows([]string{"id", "token_hash", "subject_id", "expires_at", "created_at", "ip_address", "user_agent", "origin"}).
			AddRow("sess-1", "abc", "u-1", now.Add(time.Hour), now, "", "", ""))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "auth_sessions" WHERE id = $1`)).
		WithArgs("gone", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "auth_sessions" WHERE expires_at < $1`)).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	require.NoError(t, repo.CreateSession(context.Background(), session))

	got, err := repo.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u-1", got.SubjectID)

	got, err = repo.GetSession(context.Background(), "gone")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := repo.DeleteExpiredSessions(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
