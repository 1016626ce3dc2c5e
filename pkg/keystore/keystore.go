// Package keystore holds the symmetric key material used to seal access
// tokens. It keeps the current key and the one rotated out before it, so
// tokens sealed just before a rotation stay verifiable for one more
// access-token lifetime.
package keystore

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/adcplatform/adc/pkg/errors"
)

// KeySize is the required key length: 256-bit symmetric keys.
const KeySize = 32

// Snapshot is a consistent read of the key material. Readers work against a
// snapshot so a concurrent rotation never hands them a half-updated pair.
type Snapshot struct {
	Current   []byte
	Previous  []byte
	RotatedAt time.Time
}

// Store holds the current and previous sealing keys. Rotation is exclusive
// relative to key reads; readers take snapshots and never block each other.
type Store struct {
	mu        sync.RWMutex
	current   []byte
	previous  []byte
	rotatedAt time.Time
}

// New creates a key store seeded with the given current key.
func New(current []byte) (*Store, error) {
	if len(current) != KeySize {
		return nil, errors.NewConfigError("sealing key must be 32 bytes", nil)
	}
	return &Store{current: clone(current)}, nil
}

// NewRandom creates a key store seeded with a random current key.
func NewRandom() (*Store, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.NewInternalError("cannot read system entropy", err)
	}
	return New(key)
}

// Snapshot returns a consistent copy of the key material.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Current:   clone(s.current),
		Previous:  clone(s.previous),
		RotatedAt: s.rotatedAt,
	}
}

// CurrentKey returns a copy of the current sealing key.
func (s *Store) CurrentKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.current)
}

// PreviousKey returns a copy of the previous sealing key, or nil when no
// rotation has happened yet.
func (s *Store) PreviousKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.previous)
}

// Rotate installs a new current key. The old current becomes the previous
// key; whatever was previous before is discarded.
func (s *Store) Rotate(newKey []byte) error {
	if len(newKey) != KeySize {
		return errors.NewConfigError("sealing key must be 32 bytes", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = s.current
	s.current = clone(newKey)
	s.rotatedAt = time.Now()
	return nil
}

// RotateRandom rotates to a fresh random key.
func (s *Store) RotateRandom() error {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return errors.NewInternalError("cannot read system entropy", err)
	}
	return s.Rotate(key)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
