package scylla

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatementsAreComplete(t *testing.T) {
	v := reflect.ValueOf(statements)
	for i := 0; i < v.NumField(); i++ {
		assert.NotEmpty(t, v.Field(i).String(), v.Type().Field(i).Name)
	}

	assert.Contains(t, statements.CASAttempts, "IF attempts = ?")
	assert.Contains(t, statements.MarkUsedByID, "IF EXISTS")
	assert.Contains(t, statements.ConsumeByID, "IF used = false AND attempts = ?")
	assert.True(t, strings.HasPrefix(statements.SelectExpiredOTPs, "SELECT"))
	assert.Contains(t, statements.SelectExpiredOTPs, "expires_at < ?")
	assert.Contains(t, statements.InsertSessionByID, "USING TTL ?")
}

func TestSessionTTLRoundsUp(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 3600, sessionTTL(now.Add(time.Hour), now))
	assert.Equal(t, 2, sessionTTL(now.Add(1500*time.Millisecond), now))
	assert.Equal(t, 0, sessionTTL(now, now))
	assert.Equal(t, 0, sessionTTL(now.Add(-time.Minute), now))
}

func TestSleepCtxHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepCtx(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}
