package storage

import (
	"context"
	"sync"
	"time"

	"github.com/adcplatform/adc/pkg/logger"
)

// MemoryStore is an in-process refresh token repository. Expired records
// are dropped lazily on read; RunJanitor sweeps the rest periodically.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	byUser  map[string]map[string]struct{}
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byUser:  make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// Create persists a new record.
func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(rec)
	return nil
}

// FindByToken returns the live record for the token.
func (s *MemoryStore) FindByToken(_ context.Context, token string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[token]
	if !ok {
		return nil, errTokenNotFound()
	}
	if rec.IsExpired(s.now()) {
		s.removeLocked(token)
		return nil, errTokenNotFound()
	}
	return rec.Clone(), nil
}

// Rotate deletes oldToken and inserts next under one lock acquisition,
// so concurrent rotations of the same token resolve to a single winner.
func (s *MemoryStore) Rotate(_ context.Context, oldToken string, next *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.records[oldToken]
	if !ok || old.IsExpired(s.now()) {
		s.removeLocked(oldToken)
		return errRotationConflict()
	}
	s.removeLocked(oldToken)
	s.insertLocked(next)
	return nil
}

// Revoke deletes a single token, ignoring tokens that are already gone.
func (s *MemoryStore) Revoke(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(token)
	return nil
}

// RevokeAllForUser deletes every token of the user.
func (s *MemoryStore) RevokeAllForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token := range s.byUser[userID] {
		delete(s.records, token)
	}
	delete(s.byUser, userID)
	return nil
}

// DeleteAllForUser is identical to RevokeAllForUser for this backend.
func (s *MemoryStore) DeleteAllForUser(ctx context.Context, userID string) error {
	return s.RevokeAllForUser(ctx, userID)
}

// RunJanitor sweeps expired records at the given interval until the
// context is cancelled. Run it on its own goroutine.
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				logger.Debugf("refresh token janitor removed %d expired records", n)
			}
		}
	}
}

func (s *MemoryStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for token, rec := range s.records {
		if rec.IsExpired(now) {
			s.removeLocked(token)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) insertLocked(rec *Record) {
	stored := rec.Clone()
	s.records[stored.Token] = stored
	set, ok := s.byUser[stored.UserID]
	if !ok {
		set = make(map[string]struct{})
		s.byUser[stored.UserID] = set
	}
	set[stored.Token] = struct{}{}
}

func (s *MemoryStore) removeLocked(token string) {
	rec, ok := s.records[token]
	if !ok {
		return
	}
	delete(s.records, token)
	if set, ok := s.byUser[rec.UserID]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(s.byUser, rec.UserID)
		}
	}
}
