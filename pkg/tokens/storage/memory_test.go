package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcplatform/adc/pkg/errors"
)

func testRecord(token, userID string, ttl time.Duration) *Record {
	now := time.Now()
	return &Record{
		Token:     token,
		UserID:    userID,
		DeviceID:  "device-1",
		IPAddress: "203.0.113.7",
		Country:   "DE",
		UserAgent: "test-agent",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestMemoryStoreCreateAndFind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	rec := testRecord("tok-1", "user-1", time.Hour)
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.FindByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "DE", got.Country)

	// the returned record is detached from the store
	got.UserID = "mutated"
	again, err := s.FindByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", again.UserID)

	_, err = s.FindByToken(ctx, "no-such-token")
	require.Error(t, err)
	assert.True(t, errors.IsAuthentication(err))
	assert.Equal(t, errors.CodeRefreshTokenNotFound, errors.CodeOf(err))
}

func TestMemoryStoreExpiresOnRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, testRecord("tok-1", "user-1", time.Hour)))

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := s.FindByToken(ctx, "tok-1")
	require.Error(t, err)
	assert.Equal(t, errors.CodeRefreshTokenNotFound, errors.CodeOf(err))
}

func TestMemoryStoreJanitorSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, testRecord("dead", "user-1", time.Hour)))
	require.NoError(t, s.Create(ctx, testRecord("live", "user-1", 3*time.Hour)))

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, s.sweep())

	s.now = time.Now
	_, err := s.FindByToken(ctx, "live")
	assert.NoError(t, err)
}

func TestMemoryStoreRotateSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, testRecord("old", "user-1", time.Hour)))

	const racers = 3
	results := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := testRecord(fmt.Sprintf("new-%d", i), "user-1", time.Hour)
			results[i] = s.Rotate(ctx, "old", next)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.True(t, errors.IsIntegrity(err))
			assert.Equal(t, errors.CodeRotationConflict, errors.CodeOf(err))
		}
	}
	assert.Equal(t, 1, winners)

	_, err := s.FindByToken(ctx, "old")
	assert.Error(t, err)
}

func TestMemoryStoreRevokeIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, testRecord("tok-1", "user-1", time.Hour)))
	require.NoError(t, s.Revoke(ctx, "tok-1"))
	require.NoError(t, s.Revoke(ctx, "tok-1"))

	_, err := s.FindByToken(ctx, "tok-1")
	assert.Error(t, err)
}

func TestMemoryStoreRevokeAllForUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, testRecord("a", "user-1", time.Hour)))
	require.NoError(t, s.Create(ctx, testRecord("b", "user-1", time.Hour)))
	require.NoError(t, s.Create(ctx, testRecord("c", "user-2", time.Hour)))

	require.NoError(t, s.RevokeAllForUser(ctx, "user-1"))

	_, err := s.FindByToken(ctx, "a")
	assert.Error(t, err)
	_, err = s.FindByToken(ctx, "b")
	assert.Error(t, err)
	_, err = s.FindByToken(ctx, "c")
	assert.NoError(t, err)
}
