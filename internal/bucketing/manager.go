package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"otp-auth-service/internal/config"
)

// BucketingManager maps ids onto a fixed number of buckets with murmur3 so
// Scylla partitions and event streams spread evenly.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  max(cfg.UserBuckets, 1),
		eventBuckets: max(cfg.EventBuckets, 1),
	}
	bm.hasherPool = sync.Pool{
		New: func() any {
			return murmur3.New64()
		},
	}
	return bm
}

// UserBucket returns the partition bucket for a subject id (0 to userBuckets-1).
func (bm *BucketingManager) UserBucket(subjectID string) int {
	return bm.getBucket(subjectID, bm.userBuckets)
}

// EventBucket returns the bucket used to spread events for a key.
func (bm *BucketingManager) EventBucket(key string) int {
	return bm.getBucket(key, bm.eventBuckets)
}

// DateBucket returns the UTC day of t, e.g. "2026-03-01".
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) UserBuckets() int {
	return bm.userBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
