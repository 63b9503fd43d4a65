package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-auth-service/internal/model"
)

func TestSessionCache_CreateAndGet(t *testing.T) {
	rc, mr := newTestClient(t)
	cache := NewSessionCache(rc)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, cache.CreateSession(ctx, &model.Session{
		ID:        "sess-1",
		TokenHash: "digest",
		SubjectID: "user-1",
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
		IPAddress: "10.0.0.1",
		Origin:    "https://app.example.com",
	}))

	got, err := cache.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.SubjectID)
	assert.Equal(t, now.Add(time.Hour), got.ExpiresAt)
	assert.Equal(t, "https://app.example.com", got.Origin)

	assert.Greater(t, mr.TTL(rc.Key(sessionPrefix, "sess-1")), time.Duration(0))

	missing, err := cache.GetSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSessionCache_ExpiredSessionIsHidden(t *testing.T) {
	rc, _ := newTestClient(t)
	cache := NewSessionCache(rc)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, cache.CreateSession(ctx, &model.Session{
		ID:        "sess-2",
		SubjectID: "user-1",
		ExpiresAt: now.Add(time.Minute),
		CreatedAt: now,
	}))

	cache.now = func() time.Time { return now.Add(2 * time.Minute) }
	got, err := cache.GetSession(ctx, "sess-2")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := cache.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
