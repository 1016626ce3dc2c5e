package attempts

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

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordedCallbacks struct {
	mu       sync.Mutex
	statuses []Status
	alerts   []string
	erased   []string
}

func (r *recordedCallbacks) callbacks() Callbacks {
	return Callbacks{
		UpdateBlockStatus: func(_ context.Context, _ string, status Status) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, status)
			return nil
		},
		SendAlert: func(_ context.Context, _ string, reason string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.alerts = append(r.alerts, reason)
			return nil
		},
		EraseTokens: func(_ context.Context, userID string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.erased = append(r.erased, userID)
			return nil
		},
	}
}

func newTestTracker(t *testing.T) (*Tracker, *testClock, *recordedCallbacks) {
	t.Helper()
	clk := newTestClock()
	counters := NewMemoryCounters()
	counters.now = clk.now
	rec := &recordedCallbacks{}
	tr := NewTracker(counters, rec.callbacks())
	tr.now = clk.now
	return tr, clk, rec
}

func TestThreeLoginFailuresBlockTemporarily(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, clk, rec := newTestTracker(t)

	for i := 0; i < 2; i++ {
		status, err := tr.RecordLoginFailure(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, status.Blocked)
	}
	status, err := tr.RecordLoginFailure(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, status.Blocked)
	assert.False(t, status.Permanent)
	assert.Equal(t, clk.now().Add(TempBlockDuration).Unix(), status.BlockedUntil)

	checked, err := tr.Check(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, checked.Blocked)

	require.Len(t, rec.statuses, 1)
	assert.Len(t, rec.alerts, 1)
	assert.Empty(t, rec.erased)

	err = status.Err()
	require.Error(t, err)
	assert.True(t, errors.IsBlocked(err))
	assert.Equal(t, errors.CodeAccountBlockedTemp, errors.CodeOf(err))
}

func TestTempBlockExpiresIntoWasTemp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, clk, _ := newTestTracker(t)

	for i := 0; i < LoginThreshold; i++ {
		_, err := tr.RecordLoginFailure(ctx, "user-1")
		require.NoError(t, err)
	}

	clk.advance(TempBlockDuration + time.Minute)
	status, err := tr.Check(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
}

func TestFailuresAfterTempBlockEscalateToPermanent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, clk, rec := newTestTracker(t)

	for i := 0; i < LoginThreshold; i++ {
		_, err := tr.RecordLoginFailure(ctx, "user-1")
		require.NoError(t, err)
	}
	clk.advance(TempBlockDuration + time.Minute)

	var status *Status
	var err error
	for i := 0; i < LoginThreshold; i++ {
		status, err = tr.RecordLoginFailure(ctx, "user-1")
		require.NoError(t, err)
	}
	assert.True(t, status.Blocked)
	assert.True(t, status.Permanent)
	assert.Equal(t, []string{"user-1"}, rec.erased)

	err = status.Err()
	require.Error(t, err)
	assert.Equal(t, errors.CodeAccountBlockedPerm, errors.CodeOf(err))

	// permanent blocks do not time out
	clk.advance(48 * time.Hour)
	checked, cerr := tr.Check(ctx, "user-1")
	require.NoError(t, cerr)
	assert.True(t, checked.Blocked)
	assert.True(t, checked.Permanent)
}

func TestLoginWindowExpiryResetsCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, clk, _ := newTestTracker(t)

	for i := 0; i < 2; i++ {
		_, err := tr.RecordLoginFailure(ctx, "user-1")
		require.NoError(t, err)
	}
	clk.advance(LoginWindow + time.Minute)

	status, err := tr.RecordLoginFailure(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
}

func TestSuccessfulLoginResetsCounter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, _, _ := newTestTracker(t)

	for i := 0; i < 2; i++ {
		_, err := tr.RecordLoginFailure(ctx, "user-1")
		require.NoError(t, err)
	}
	require.NoError(t, tr.RecordLoginSuccess(ctx, "user-1"))

	for i := 0; i < 2; i++ {
		status, err := tr.RecordLoginFailure(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, status.Blocked)
	}
}

func TestThreeRefreshFailuresBlockPermanently(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, _, rec := newTestTracker(t)

	var status *Status
	var err error
	for i := 0; i < RefreshThreshold; i++ {
		status, err = tr.RecordRefreshFailure(ctx, "user-1")
		require.NoError(t, err)
	}
	assert.True(t, status.Blocked)
	assert.True(t, status.Permanent)
	assert.Equal(t, []string{"user-1"}, rec.erased)
}

func TestRefreshFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, clk, _ := newTestTracker(t)

	for i := 0; i < 2; i++ {
		_, err := tr.RecordRefreshFailure(ctx, "user-1")
		require.NoError(t, err)
	}
	clk.advance(RefreshWindow + time.Second)

	status, err := tr.RecordRefreshFailure(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
}

func TestUnblockClearsEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, _, rec := newTestTracker(t)

	for i := 0; i < RefreshThreshold; i++ {
		_, err := tr.RecordRefreshFailure(ctx, "user-1")
		require.NoError(t, err)
	}
	require.NoError(t, tr.Unblock(ctx, "user-1"))

	status, err := tr.Check(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, status.Blocked)

	// the WAS marker is gone too, so the next escalation starts over
	for i := 0; i < LoginThreshold; i++ {
		status, err = tr.RecordLoginFailure(ctx, "user-1")
		require.NoError(t, err)
	}
	assert.True(t, status.Blocked)
	assert.False(t, status.Permanent)

	last := rec.statuses[len(rec.statuses)-1]
	assert.True(t, last.Blocked)
}

func TestUsersAreTrackedIndependently(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, _, _ := newTestTracker(t)

	for i := 0; i < LoginThreshold; i++ {
		_, err := tr.RecordLoginFailure(ctx, "user-1")
		require.NoError(t, err)
	}
	status, err := tr.Check(ctx, "user-2")
	require.NoError(t, err)
	assert.False(t, status.Blocked)
}

func TestCallbackErrorsAreSwallowed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := newTestClock()
	counters := NewMemoryCounters()
	counters.now = clk.now
	tr := NewTracker(counters, Callbacks{
		UpdateBlockStatus: func(context.Context, string, Status) error {
			return fmt.Errorf("user store down")
		},
		SendAlert: func(context.Context, string, string) error {
			return fmt.Errorf("smtp down")
		},
		EraseTokens: func(context.Context, string) error {
			return fmt.Errorf("redis down")
		},
	})
	tr.now = clk.now

	var status *Status
	var err error
	for i := 0; i < RefreshThreshold; i++ {
		status, err = tr.RecordRefreshFailure(ctx, "user-1")
		require.NoError(t, err)
	}
	assert.True(t, status.Permanent)
}
