package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"otp-auth-service/internal/model"
)

type IdentityStore struct {
	mu      sync.RWMutex
	byID    map[string]*model.Subject
	byPhone map[string]*model.Subject
}

func NewIdentityStore(subjects ...*model.Subject) *IdentityStore {
	s := &IdentityStore{
		byID:    make(map[string]*model.Subject),
		byPhone: make(map[string]*model.Subject),
	}
	for _, subj := range subjects {
		s.Put(subj)
	}
	return s
}

// LoadIdentityStore reads a JSON array of subjects from path.
func LoadIdentityStore(path string) (*IdentityStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity seed: %w", err)
	}
	var seed []struct {
		model.Subject
		Password string `json:"password"`
	}
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse identity seed: %w", err)
	}
	s := NewIdentityStore()
	for i := range seed {
		subj := seed[i].Subject
		subj.Password = seed[i].Password
		s.Put(&subj)
	}
	return s, nil
}

// Put adds or replaces a subject.
func (s *IdentityStore) Put(subject *model.Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *subject
	if old, ok := s.byID[c.ID]; ok {
		delete(s.byPhone, old.Phone)
	}
	s.byID[c.ID] = &c
	s.byPhone[c.Phone] = &c
}

func (s *IdentityStore) FindSubjectByPhone(ctx context.Context, phone string) (*model.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subj, ok := s.byPhone[phone]; ok {
		c := *subj
		return &c, nil
	}
	return nil, nil
}

func (s *IdentityStore) FindSubjectByID(ctx context.Context, id string) (*model.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subj, ok := s.byID[id]; ok {
		c := *subj
		return &c, nil
	}
	return nil, nil
}

type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	now      func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*model.Session), now: time.Now}
}

func (s *SessionStore) CreateSession(ctx context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *session
	s.sessions[c.ID] = &c
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	c := *sess
	return &c, nil
}

func (s *SessionStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.ExpiresAt.Before(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// Revoke drops a session immediately.
func (s *SessionStore) Revoke(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
