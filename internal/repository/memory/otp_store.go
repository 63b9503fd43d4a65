// Package memory holds process-local stores for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"otp-auth-service/internal/model"
)

type OTPStore struct {
	mu      sync.Mutex
	records map[string]*model.OTPRecord
	// seq orders records inserted with the same CreatedAt.
	seq     map[string]uint64
	nextSeq uint64
}

func NewOTPStore() *OTPStore {
	return &OTPStore{
		records: make(map[string]*model.OTPRecord),
		seq:     make(map[string]uint64),
	}
}

func (s *OTPStore) Create(ctx context.Context, record *model.OTPRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(record), nil
}

func (s *OTPStore) Issue(ctx context.Context, record *model.OTPRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate(record.Phone)
	return s.insert(record), nil
}

func (s *OTPStore) insert(record *model.OTPRecord) string {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	c := *record
	s.records[c.ID] = &c
	s.nextSeq++
	s.seq[c.ID] = s.nextSeq
	return c.ID
}

func (s *OTPStore) InvalidateAllForPhone(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate(phone)
	return nil
}

func (s *OTPStore) invalidate(phone string) {
	for _, r := range s.records {
		if r.Phone == phone {
			r.Used = true
		}
	}
}

func (s *OTPStore) LatestUnusedByPhone(ctx context.Context, phone string) (*model.OTPRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*model.OTPRecord
	for _, r := range s.records {
		if r.Phone == phone && !r.Used {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return s.seq[candidates[i].ID] > s.seq[candidates[j].ID]
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	c := *candidates[0]
	return &c, nil
}

func (s *OTPStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return 0, model.ErrRecordNotFound
	}
	r.Attempts++
	return r.Attempts, nil
}

func (s *OTPStore) Consume(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return model.ErrRecordNotFound
	}
	if r.Used {
		return model.ErrRecordConsumed
	}
	r.Used = true
	if r.Attempts > 0 {
		r.Attempts--
	}
	return nil
}

func (s *OTPStore) MarkUsed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return model.ErrRecordNotFound
	}
	r.Used = true
	return nil
}

func (s *OTPStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.ExpiresAt.Before(now) {
			delete(s.records, id)
			delete(s.seq, id)
			n++
		}
	}
	return n, nil
}

// Len reports how many records are held, used ones included.
func (s *OTPStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
