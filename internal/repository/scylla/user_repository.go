package scylla

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/encryption"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

// UserRepository reads subjects from the identity keyspace. Users are
// partitioned by a murmur3 bucket of their id; phone_to_user maps the phone's
// sha256 to that partition. Phone numbers are stored envelope-encrypted.
type UserRepository struct {
	client    *ScyllaClient
	buckets   *bucketing.BucketingManager
	encryptor *encryption.EncryptionManager
}

func NewUserRepository(client *ScyllaClient, buckets *bucketing.BucketingManager, encryptor *encryption.EncryptionManager) *UserRepository {
	return &UserRepository{client: client, buckets: buckets, encryptor: encryptor}
}

func (r *UserRepository) FindSubjectByPhone(ctx context.Context, phone string) (*model.Subject, error) {
	var bucket int
	var userID string
	err := r.client.ScanWithRetry(ctx,
		r.client.Query(ctx, r.client.Statements.SelectPhoneToUser, util.HashPhone(phone)),
		&bucket, &userID)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		util.Error("Failed to resolve phone to user", zap.String("phone_hash", util.HashPhone(phone)), zap.Error(err))
		return nil, fmt.Errorf("failed to resolve phone: %w", err)
	}
	return r.load(ctx, bucket, userID)
}

func (r *UserRepository) FindSubjectByID(ctx context.Context, id string) (*model.Subject, error) {
	return r.load(ctx, r.buckets.UserBucket(id), id)
}

func (r *UserRepository) load(ctx context.Context, bucket int, userID string) (*model.Subject, error) {
	var s model.Subject
	var sealed encryption.EncryptedData

	err := r.client.ScanWithRetry(ctx,
		r.client.Query(ctx, r.client.Statements.SelectUserByID, bucket, userID),
		&s.ID, &sealed.EncryptedValue, &sealed.EncryptedDEK, &sealed.KeyID,
		&s.Status, &s.Role, &s.Email, &s.FirstName, &s.LastName)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		util.Error("Failed to load user", zap.String("subject_id", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if sealed.EncryptedValue != "" {
		phone, err := r.encryptor.DecryptField(ctx, &sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt user phone: %w", err)
		}
		s.Phone = phone
	}
	return &s, nil
}
