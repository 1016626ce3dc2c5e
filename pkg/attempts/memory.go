package attempts

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/adcplatform/adc/pkg/logger"
)

// memEntry holds either a counter or a string value.
type memEntry struct {
	value     string
	count     int64
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCounters is the in-process fallback store. State does not
// survive restarts; deployments that need durable accounting configure
// the Redis backend instead.
type MemoryCounters struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

var _ Counters = (*MemoryCounters)(nil)

// NewMemoryCounters creates an empty in-memory store.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Increment adds one to the counter, creating it with the window TTL.
func (m *MemoryCounters) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		e = &memEntry{expiresAt: now.Add(window)}
		m.entries[key] = e
	}
	e.count++
	e.value = strconv.FormatInt(e.count, 10)
	return e.count, nil
}

// Set writes a string value with a TTL.
func (m *MemoryCounters) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Get reads a value, dropping it when expired.
func (m *MemoryCounters) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Delete removes keys.
func (m *MemoryCounters) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// RunJanitor sweeps expired entries hourly until the context ends.
// Run it on its own goroutine.
func (m *MemoryCounters) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				logger.Debugf("attempt counter janitor removed %d expired entries", n)
			}
		}
	}
}

func (m *MemoryCounters) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}
