package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"otp-auth-service/internal/config"
)

func TestBucketsAreStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{UserBuckets: 16, EventBuckets: 4})

	used := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("user-%d", i)
		b := bm.UserBucket(id)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.UserBucket(id))
		used[b] = true

		e := bm.EventBucket(id)
		assert.Less(t, e, 4)
	}
	assert.Len(t, used, 16)
}

func TestZeroBucketsFallsBackToOne(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{})
	assert.Equal(t, 0, bm.UserBucket("anything"))
	assert.Equal(t, 1, bm.UserBuckets())
}

func TestDateBucket(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{UserBuckets: 1, EventBuckets: 1})
	ts := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	assert.Equal(t, "2026-03-02", bm.DateBucket(ts))
}
