package otp

import (
	"strconv"
	"testing"
	"time"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/hashing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func newTestGenerator(t *testing.T, clock Clock) *Generator {
	t.Helper()
	h, err := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryCost:  1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           map[int]string{1: "test-pepper"},
		CurrentPepper:     1,
	})
	require.NoError(t, err)
	return NewGenerator(h, clock)
}

func TestGenerateCodeRange(t *testing.T) {
	g := newTestGenerator(t, nil)

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		code, err := g.GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, 6)

		n, err := strconv.Atoi(code)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 100000)
		assert.LessOrEqual(t, n, 999999)
		seen[code] = struct{}{}
	}
	// 500 draws from 900k values collide rarely; a constant source would not.
	assert.Greater(t, len(seen), 450)
}

func TestHashAndVerifyCode(t *testing.T) {
	g := newTestGenerator(t, nil)

	hash, err := g.HashCode("246810")
	require.NoError(t, err)

	assert.True(t, g.VerifyCode("246810", hash))
	assert.False(t, g.VerifyCode("246811", hash))
	assert.False(t, g.VerifyCode("246810", "not-a-hash"))
}

func TestExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fixedClock{now: now}
	g := newTestGenerator(t, clock)

	expiresAt := g.ExpirationTimestamp(now, 5)
	assert.Equal(t, now.Add(5*time.Minute), expiresAt)

	assert.False(t, g.IsExpired(expiresAt))

	clock.now = expiresAt
	assert.False(t, g.IsExpired(expiresAt), "expiry is strict: the boundary instant is still valid")

	clock.now = expiresAt.Add(time.Millisecond)
	assert.True(t, g.IsExpired(expiresAt))
}
