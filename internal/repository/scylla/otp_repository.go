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

const (
	maxCASRetries   = 16
	deleteBatchSize = 100
)

// OTPRepository keeps OTP records in two tables: otp_codes_by_phone for the
// newest-first scan per phone, and otp_codes_by_id, which holds the
// authoritative attempts and used columns and is only changed through
// lightweight transactions.
//
// Invalidate-then-create is not atomic here; of two racing issues the row
// with the later created_at wins the lookup.
type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient) *OTPRepository {
	return &OTPRepository{client: client}
}

func (r *OTPRepository) Create(ctx context.Context, record *model.OTPRecord) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	st := r.client.Statements

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(st.InsertOTPByPhone,
		record.Phone, record.CreatedAt, record.ID, record.SubjectID, record.CodeHash,
		record.ExpiresAt, record.Attempts, record.Used, record.IPAddress, record.UserAgent)
	batch.Query(st.InsertOTPByID,
		record.ID, record.Phone, record.CreatedAt, record.ExpiresAt, record.Attempts, record.Used)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create OTP",
			zap.String("phone_hash", util.HashPhone(record.Phone)),
			zap.String("otp_id", record.ID),
			zap.Error(err))
		return "", fmt.Errorf("failed to create otp: %w", err)
	}

	util.Debug("OTP created",
		zap.String("otp_id", record.ID),
		zap.Time("expires_at", record.ExpiresAt))
	return record.ID, nil
}

func (r *OTPRepository) InvalidateAllForPhone(ctx context.Context, phone string) error {
	records, err := r.scanPhone(ctx, phone)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Used {
			continue
		}
		if err := r.markUsed(ctx, rec.ID, rec.Phone, rec.CreatedAt); err != nil && !errors.Is(err, model.ErrRecordNotFound) {
			return fmt.Errorf("failed to invalidate otps: %w", err)
		}
	}
	return nil
}

func (r *OTPRepository) LatestUnusedByPhone(ctx context.Context, phone string) (*model.OTPRecord, error) {
	records, err := r.scanPhone(ctx, phone)
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		if rec.Used {
			continue
		}
		// The phone table's copies of attempts and used may lag; read the LWT row.
		var attempts int
		var used bool
		var p string
		var created time.Time
		err := r.client.ScanWithRetry(ctx,
			r.client.Query(ctx, r.client.Statements.SelectOTPByID, rec.ID),
			&p, &created, &attempts, &used)
		if errors.Is(err, gocql.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load otp: %w", err)
		}
		if used {
			continue
		}
		rec.Attempts = attempts
		return rec, nil
	}
	return nil, nil
}

// IncrementAttempts runs a compare-and-set loop on the id row.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	st := r.client.Statements

	var phone string
	var created time.Time
	var current int
	var used bool
	err := r.client.ScanWithRetry(ctx, r.client.Query(ctx, st.SelectOTPByID, id), &phone, &created, &current, &used)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, model.ErrRecordNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load otp: %w", err)
	}

	for i := 0; i < maxCASRetries; i++ {
		next := current + 1
		applied, err := r.client.Query(ctx, st.CASAttempts, next, id, current).ScanCAS(&current)
		if err != nil {
			return 0, fmt.Errorf("failed to increment otp attempts: %w", err)
		}
		if applied {
			if err := r.client.Query(ctx, st.MirrorAttempts, next, phone, created, id).Exec(); err != nil {
				util.Warn("Failed to mirror OTP attempts", zap.String("otp_id", id), zap.Error(err))
			}
			return next, nil
		}
	}
	return 0, fmt.Errorf("failed to increment otp attempts: contention after %d tries", maxCASRetries)
}

// Consume flips used on the id row only while it is still false, handing back
// one reserved attempt in the same conditional update.
func (r *OTPRepository) Consume(ctx context.Context, id string) error {
	st := r.client.Statements

	var phone string
	var created time.Time
	var current int
	var used bool
	err := r.client.ScanWithRetry(ctx, r.client.Query(ctx, st.SelectOTPByID, id), &phone, &created, &current, &used)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load otp: %w", err)
	}

	for i := 0; i < maxCASRetries; i++ {
		if used {
			return model.ErrRecordConsumed
		}
		next := current - 1
		if next < 0 {
			next = 0
		}
		prev := map[string]any{}
		applied, err := r.client.Query(ctx, st.ConsumeByID, next, id, current).MapScanCAS(prev)
		if err != nil {
			return fmt.Errorf("failed to consume otp: %w", err)
		}
		if applied {
			if err := r.client.ExecuteWithRetry(ctx, r.client.Query(ctx, st.ConsumeByPhone, next, phone, created, id), 2); err != nil {
				util.Warn("Failed to mirror OTP consume", zap.String("otp_id", id), zap.Error(err))
			}
			return nil
		}
		if len(prev) == 0 {
			return model.ErrRecordNotFound
		}
		used, _ = prev["used"].(bool)
		current, _ = prev["attempts"].(int)
	}
	return fmt.Errorf("failed to consume otp: contention after %d tries", maxCASRetries)
}

func (r *OTPRepository) MarkUsed(ctx context.Context, id string) error {
	var phone string
	var created time.Time
	var attempts int
	var used bool
	err := r.client.ScanWithRetry(ctx,
		r.client.Query(ctx, r.client.Statements.SelectOTPByID, id),
		&phone, &created, &attempts, &used)
	if errors.Is(err, gocql.ErrNotFound) {
		return model.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load otp: %w", err)
	}
	return r.markUsed(ctx, id, phone, created)
}

func (r *OTPRepository) markUsed(ctx context.Context, id, phone string, created time.Time) error {
	st := r.client.Statements

	applied, err := r.client.Query(ctx, st.MarkUsedByID, id).MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("failed to mark otp used: %w", err)
	}
	if !applied {
		return model.ErrRecordNotFound
	}
	if err := r.client.ExecuteWithRetry(ctx, r.client.Query(ctx, st.MarkUsedByPhone, phone, created, id), 2); err != nil {
		return fmt.Errorf("failed to mark otp used: %w", err)
	}
	return nil
}

// CleanupExpired deletes records whose expires_at is strictly before now,
// in unlogged batches of 100 records.
func (r *OTPRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	st := r.client.Statements
	iter := r.client.Query(ctx, st.SelectExpiredOTPs, now).Iter()

	var id, phone string
	var created time.Time
	var deleted int64

	batch := r.client.Batch(ctx, gocql.UnloggedBatch)
	pending := 0
	flush := func() error {
		if pending == 0 {
			return nil
		}
		if err := r.client.ExecuteBatch(batch); err != nil {
			return err
		}
		deleted += int64(pending)
		batch = r.client.Batch(ctx, gocql.UnloggedBatch)
		pending = 0
		return nil
	}

	for iter.Scan(&id, &phone, &created) {
		batch.Query(st.DeleteOTPByPhone, phone, created, id)
		batch.Query(st.DeleteOTPByID, id)
		pending++
		if pending >= deleteBatchSize {
			if err := flush(); err != nil {
				_ = iter.Close()
				return deleted, fmt.Errorf("failed to delete expired otps: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		_ = iter.Close()
		return deleted, fmt.Errorf("failed to delete expired otps: %w", err)
	}
	if err := iter.Close(); err != nil {
		return deleted, fmt.Errorf("failed to scan expired otps: %w", err)
	}

	if deleted > 0 {
		util.Info("Expired OTPs deleted", zap.Int64("deleted_count", deleted))
	}
	return deleted, nil
}

// scanPhone returns the phone's records newest first.
func (r *OTPRepository) scanPhone(ctx context.Context, phone string) ([]*model.OTPRecord, error) {
	iter := r.client.Query(ctx, r.client.Statements.SelectOTPsByPhone, phone).Iter()

	var records []*model.OTPRecord
	for {
		rec := &model.OTPRecord{}
		if !iter.Scan(&rec.ID, &rec.SubjectID, &rec.Phone, &rec.CodeHash,
			&rec.ExpiresAt, &rec.CreatedAt, &rec.Attempts, &rec.Used,
			&rec.IPAddress, &rec.UserAgent) {
			break
		}
		records = append(records, rec)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan otps: %w", err)
	}
	return records, nil
}
