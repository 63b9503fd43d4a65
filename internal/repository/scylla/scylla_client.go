package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

// Statements are the CQL strings the repositories run. gocql prepares and
// caches them per session on first use.
type Statements struct {
	InsertOTPByPhone  string
	InsertOTPByID     string
	SelectOTPsByPhone string
	SelectOTPByID     string
	CASAttempts       string
	MirrorAttempts    string
	MarkUsedByID      string
	MarkUsedByPhone   string
	ConsumeByID       string
	ConsumeByPhone    string
	SelectExpiredOTPs string
	DeleteOTPByID     string
	DeleteOTPByPhone  string
	SelectPhoneToUser string
	SelectUserByID    string

	InsertSessionByID string
	SelectSessionByID string
}

var statements = Statements{
	InsertOTPByPhone: `INSERT INTO otp_codes_by_phone (
		phone, created_at, id, subject_id, code_hash, expires_at, attempts, used, ip_address, user_agent
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	InsertOTPByID: `INSERT INTO otp_codes_by_id (
		id, phone, created_at, expires_at, attempts, used
	) VALUES (?, ?, ?, ?, ?, ?)`,
	SelectOTPsByPhone: `SELECT id, subject_id, phone, code_hash, expires_at, created_at, attempts, used, ip_address, user_agent
		FROM otp_codes_by_phone WHERE phone = ?`,
	SelectOTPByID:     `SELECT phone, created_at, attempts, used FROM otp_codes_by_id WHERE id = ?`,
	CASAttempts:       `UPDATE otp_codes_by_id SET attempts = ? WHERE id = ? IF attempts = ?`,
	MirrorAttempts:    `UPDATE otp_codes_by_phone SET attempts = ? WHERE phone = ? AND created_at = ? AND id = ?`,
	MarkUsedByID:      `UPDATE otp_codes_by_id SET used = true WHERE id = ? IF EXISTS`,
	MarkUsedByPhone:   `UPDATE otp_codes_by_phone SET used = true WHERE phone = ? AND created_at = ? AND id = ?`,
	ConsumeByID:       `UPDATE otp_codes_by_id SET used = true, attempts = ? WHERE id = ? IF used = false AND attempts = ?`,
	ConsumeByPhone:    `UPDATE otp_codes_by_phone SET used = true, attempts = ? WHERE phone = ? AND created_at = ? AND id = ?`,
	SelectExpiredOTPs: `SELECT id, phone, created_at FROM otp_codes_by_id WHERE expires_at < ? ALLOW FILTERING`,
	DeleteOTPByID:     `DELETE FROM otp_codes_by_id WHERE id = ?`,
	DeleteOTPByPhone:  `DELETE FROM otp_codes_by_phone WHERE phone = ? AND created_at = ? AND id = ?`,
	SelectPhoneToUser: `SELECT user_bucket, user_id FROM phone_to_user WHERE phone_hash = ?`,
	SelectUserByID: `SELECT user_id, phone_encrypted, phone_dek, phone_key_id, status, role, email, first_name, last_name
		FROM users WHERE user_bucket = ? AND user_id = ?`,

	InsertSessionByID: `INSERT INTO sessions_by_id (
		id, token_hash, subject_id, expires_at, created_at, ip_address, user_agent, origin
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`,
	SelectSessionByID: `SELECT id, token_hash, subject_id, expires_at, created_at, ip_address, user_agent, origin
		FROM sessions_by_id WHERE id = ?`,
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS otp_codes_by_phone (
		phone text,
		created_at timestamp,
		id text,
		subject_id text,
		code_hash text,
		expires_at timestamp,
		attempts int,
		used boolean,
		ip_address text,
		user_agent text,
		PRIMARY KEY ((phone), created_at, id)
	) WITH CLUSTERING ORDER BY (created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS otp_codes_by_id (
		id text PRIMARY KEY,
		phone text,
		created_at timestamp,
		expires_at timestamp,
		attempts int,
		used boolean
	)`,
	`CREATE TABLE IF NOT EXISTS sessions_by_id (
		id text PRIMARY KEY,
		token_hash text,
		subject_id text,
		expires_at timestamp,
		created_at timestamp,
		ip_address text,
		user_agent text,
		origin text
	)`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	config     *config.ScyllaConfig
	Statements Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:    session,
		config:     &scyllaConfig,
		Statements: statements,
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

// EnsureSchema creates the OTP and session tables. The users and phone_to_user tables
// belong to the identity system and are expected to exist.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply scylla schema: %w", err)
		}
	}
	util.Info("ScyllaDB OTP schema ensured")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...any) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context, typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry runs query up to maxRetries+1 times with linear backoff.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			if err := sleepCtx(ctx, time.Duration(i+1)*100*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// ScanWithRetry retries transient failures; gocql.ErrNotFound is returned at once.
func (s *ScyllaClient) ScanWithRetry(ctx context.Context, query *gocql.Query, dest ...any) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = query.Scan(dest...)
		if lastErr == nil || lastErr == gocql.ErrNotFound {
			return lastErr
		}
		if i < 2 {
			if err := sleepCtx(ctx, time.Duration(i+1)*100*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
