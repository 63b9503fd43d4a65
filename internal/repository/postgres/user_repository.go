package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/model"
)

const subjectColumns = `id::text, phone, COALESCE(status, ''), COALESCE(role, ''),
	COALESCE(email, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(password, '')`

// UserRepository is a read-only view over the existing users table.
type UserRepository struct {
	pool  client.DBPool
	table string
}

func NewUserRepository(pool client.DBPool, table string) *UserRepository {
	return &UserRepository{pool: pool, table: pgx.Identifier{table}.Sanitize()}
}

func (r *UserRepository) FindSubjectByPhone(ctx context.Context, phone string) (*model.Subject, error) {
	return r.findOne(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE phone = $1 LIMIT 1`, subjectColumns, r.table), phone)
}

func (r *UserRepository) FindSubjectByID(ctx context.Context, id string) (*model.Subject, error) {
	return r.findOne(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id::text = $1 LIMIT 1`, subjectColumns, r.table), id)
}

func (r *UserRepository) findOne(ctx context.Context, query string, arg string) (*model.Subject, error) {
	var s model.Subject
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&s.ID, &s.Phone, &s.Status, &s.Role,
		&s.Email, &s.FirstName, &s.LastName, &s.Password,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &s, nil
}
