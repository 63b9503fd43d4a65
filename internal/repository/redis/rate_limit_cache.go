package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// KEYS: window set. ARGV: now_ms, window_start_ms, limit, window_ms, member.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

local current_count = redis.call('ZCARD', key)
if current_count < limit then
	redis.call('ZADD', key, now, ARGV[5])
	redis.call('PEXPIRE', key, tonumber(ARGV[4]))
	return {1, current_count + 1}
end
return {0, current_count}
`)

// RateLimitCache is a sliding-window request limiter keyed by caller.
type RateLimitCache struct {
	client *client.RedisClient
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimitCache(client *client.RedisClient, limit int, window time.Duration) *RateLimitCache {
	return &RateLimitCache{client: client, limit: limit, window: window, now: time.Now}
}

func (c *RateLimitCache) Limit() int { return c.limit }

func (c *RateLimitCache) Window() time.Duration { return c.window }

// Allow records one request for key and reports whether it fits in the window.
func (c *RateLimitCache) Allow(ctx context.Context, key string) (bool, int, error) {
	now := c.now().UnixMilli()
	windowStart := now - c.window.Milliseconds()

	result, err := c.client.RunScript(ctx, slidingWindowScript,
		[]string{c.client.Key(rateLimitPrefix, key)},
		now, windowStart, c.limit, c.window.Milliseconds(), fmt.Sprintf("%d-%s", now, uuid.NewString()))
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", c.limit),
			zap.Duration("window", c.window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	resultSlice, ok := result.([]any)
	if !ok || len(resultSlice) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}
	allowed, _ := resultSlice[0].(int64)
	count, _ := resultSlice[1].(int64)

	return allowed == 1, int(count), nil
}
