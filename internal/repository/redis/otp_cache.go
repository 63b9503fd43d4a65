package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

const (
	otpRecordPrefix = "otp:record:"
	otpPhonePrefix  = "otp:phone:"
	otpExpiryKey    = "otp:expiry"

	cleanupBatchSize = 100
)

// The scripts build record keys from ARGV prefixes, so the store expects a
// single Redis node or a sentinel setup, not a sharded cluster.

// KEYS: phone set, record, expiry index.
// ARGV: record prefix, id, created_ms, expires_ms, retain_until_ms, invalidate,
// subject_id, phone, code_hash, attempts, used, ip_address, user_agent.
var issueScript = goredis.NewScript(`
local phone_key = KEYS[1]
if ARGV[6] == '1' then
	local ids = redis.call('ZRANGE', phone_key, 0, -1)
	for _, id in ipairs(ids) do
		local k = ARGV[1] .. id
		if redis.call('EXISTS', k) == 1 then
			redis.call('HSET', k, 'used', '1')
		end
	end
	redis.call('DEL', phone_key)
end
redis.call('HSET', KEYS[2],
	'id', ARGV[2], 'subject_id', ARGV[7], 'phone', ARGV[8], 'code_hash', ARGV[9],
	'expires_at', ARGV[4], 'created_at', ARGV[3], 'attempts', ARGV[10], 'used', ARGV[11],
	'ip_address', ARGV[12], 'user_agent', ARGV[13])
redis.call('PEXPIREAT', KEYS[2], ARGV[5])
if ARGV[11] == '0' then
	redis.call('ZADD', phone_key, ARGV[3], ARGV[2])
	redis.call('PEXPIREAT', phone_key, ARGV[5])
end
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return ARGV[2]
`)

// KEYS: phone set. ARGV: record prefix.
var invalidateScript = goredis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	local k = ARGV[1] .. id
	if redis.call('EXISTS', k) == 1 then
		redis.call('HSET', k, 'used', '1')
	end
end
redis.call('DEL', KEYS[1])
return #ids
`)

// KEYS: phone set. ARGV: record prefix. Returns the newest unused record as a flat HGETALL.
var latestUnusedScript = goredis.NewScript(`
local ids = redis.call('ZREVRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	local k = ARGV[1] .. id
	local used = redis.call('HGET', k, 'used')
	if used == '0' then
		return redis.call('HGETALL', k)
	end
	redis.call('ZREM', KEYS[1], id)
end
return false
`)

// KEYS: record. Returns -1 when the record does not exist.
var incrementScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

// KEYS: record. ARGV: phone prefix, id.
// Returns -1 when the record is missing and 0 when it is already used.
var consumeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'used') == '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'used', '1')
if tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0') > 0 then
	redis.call('HINCRBY', KEYS[1], 'attempts', -1)
end
local phone = redis.call('HGET', KEYS[1], 'phone')
if phone then
	redis.call('ZREM', ARGV[1] .. phone, ARGV[2])
end
return 1
`)

// KEYS: record. ARGV: phone prefix, id.
var markUsedScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'used', '1')
local phone = redis.call('HGET', KEYS[1], 'phone')
if phone then
	redis.call('ZREM', ARGV[1] .. phone, ARGV[2])
end
return 1
`)

// KEYS: expiry index. ARGV: now_ms, record prefix, phone prefix, batch size.
// Deletes records whose expires_at is strictly before now.
var cleanupScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
for _, id in ipairs(ids) do
	local k = ARGV[2] .. id
	local phone = redis.call('HGET', k, 'phone')
	if phone then
		redis.call('ZREM', ARGV[3] .. phone, id)
	end
	redis.call('DEL', k)
	redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

// OTPCache is the Redis-backed OTP store. Each record is a hash; a per-phone
// sorted set indexes unused records by creation time and a global sorted set
// indexes every record by expiry.
type OTPCache struct {
	client         *client.RedisClient
	retentionGrace time.Duration
}

func NewOTPCache(client *client.RedisClient, retentionGrace time.Duration) *OTPCache {
	return &OTPCache{client: client, retentionGrace: retentionGrace}
}

func (c *OTPCache) recordKey(id string) string  { return c.client.Key(otpRecordPrefix, id) }
func (c *OTPCache) phoneKey(phone string) string { return c.client.Key(otpPhonePrefix, phone) }

func (c *OTPCache) Create(ctx context.Context, record *model.OTPRecord) (string, error) {
	return c.store(ctx, record, false)
}

// Issue invalidates the phone's unused records and stores record in one script call.
func (c *OTPCache) Issue(ctx context.Context, record *model.OTPRecord) (string, error) {
	return c.store(ctx, record, true)
}

func (c *OTPCache) store(ctx context.Context, record *model.OTPRecord, invalidate bool) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	retainUntil := record.ExpiresAt.Add(c.retentionGrace)

	_, err := c.client.RunScript(ctx, issueScript,
		[]string{c.phoneKey(record.Phone), c.recordKey(record.ID), c.client.Key(otpExpiryKey)},
		c.client.Key(otpRecordPrefix),
		record.ID,
		record.CreatedAt.UnixMilli(),
		record.ExpiresAt.UnixMilli(),
		retainUntil.UnixMilli(),
		boolFlag(invalidate),
		record.SubjectID,
		record.Phone,
		record.CodeHash,
		record.Attempts,
		boolFlag(record.Used),
		record.IPAddress,
		record.UserAgent,
	)
	if err != nil {
		util.Error("Failed to store OTP",
			zap.String("otp_id", record.ID),
			zap.String("phone_hash", util.HashPhone(record.Phone)),
			zap.Error(err))
		return "", fmt.Errorf("failed to store otp: %w", err)
	}

	util.Debug("OTP stored", zap.String("otp_id", record.ID), zap.Bool("invalidated_previous", invalidate))
	return record.ID, nil
}

func (c *OTPCache) InvalidateAllForPhone(ctx context.Context, phone string) error {
	if _, err := c.client.RunScript(ctx, invalidateScript,
		[]string{c.phoneKey(phone)}, c.client.Key(otpRecordPrefix)); err != nil {
		return fmt.Errorf("failed to invalidate otps: %w", err)
	}
	return nil
}

func (c *OTPCache) LatestUnusedByPhone(ctx context.Context, phone string) (*model.OTPRecord, error) {
	res, err := c.client.RunScript(ctx, latestUnusedScript,
		[]string{c.phoneKey(phone)}, c.client.Key(otpRecordPrefix))
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load otp: %w", err)
	}

	flat, ok := res.([]any)
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("unexpected result format from latest-unused script")
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return decodeRecord(fields)
}

func (c *OTPCache) IncrementAttempts(ctx context.Context, id string) (int, error) {
	res, err := c.client.RunScript(ctx, incrementScript, []string{c.recordKey(id)})
	if err != nil {
		return 0, fmt.Errorf("failed to increment otp attempts: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result format from increment script")
	}
	if n < 0 {
		return 0, model.ErrRecordNotFound
	}
	return int(n), nil
}

func (c *OTPCache) Consume(ctx context.Context, id string) error {
	res, err := c.client.RunScript(ctx, consumeScript,
		[]string{c.recordKey(id)}, c.client.Key(otpPhonePrefix), id)
	if err != nil {
		return fmt.Errorf("failed to consume otp: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return fmt.Errorf("unexpected result format from consume script")
	}
	switch n {
	case -1:
		return model.ErrRecordNotFound
	case 0:
		return model.ErrRecordConsumed
	}
	return nil
}

func (c *OTPCache) MarkUsed(ctx context.Context, id string) error {
	res, err := c.client.RunScript(ctx, markUsedScript,
		[]string{c.recordKey(id)}, c.client.Key(otpPhonePrefix), id)
	if err != nil {
		return fmt.Errorf("failed to mark otp used: %w", err)
	}
	if n, _ := res.(int64); n == 0 {
		return model.ErrRecordNotFound
	}
	return nil
}

func (c *OTPCache) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for {
		res, err := c.client.RunScript(ctx, cleanupScript,
			[]string{c.client.Key(otpExpiryKey)},
			now.UnixMilli(), c.client.Key(otpRecordPrefix), c.client.Key(otpPhonePrefix), cleanupBatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to delete expired otps: %w", err)
		}
		n, _ := res.(int64)
		total += n
		if n < cleanupBatchSize {
			break
		}
	}

	if total > 0 {
		util.Debug("Expired OTPs removed", zap.Int64("count", total))
	}
	return total, nil
}

func decodeRecord(fields map[string]string) (*model.OTPRecord, error) {
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("invalid attempts field: %w", err)
	}
	expiresMs, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at field: %w", err)
	}
	createdMs, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at field: %w", err)
	}

	return &model.OTPRecord{
		ID:        fields["id"],
		SubjectID: fields["subject_id"],
		Phone:     fields["phone"],
		CodeHash:  fields["code_hash"],
		ExpiresAt: time.UnixMilli(expiresMs).UTC(),
		CreatedAt: time.UnixMilli(createdMs).UTC(),
		Attempts:  attempts,
		Used:      fields["used"] == "1",
		IPAddress: fields["ip_address"],
		UserAgent: fields["user_agent"],
	}, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
