package attempts

import (
	"context"
	"time"
)

// Counters is the small string/counter store backing the tracker.
// Values expire after their window; expired keys behave as absent.
type Counters interface {
	// Increment adds one to the counter and returns the new value.
	// The window TTL is applied when the counter is created.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)

	// Set writes a string value with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads a value; the second return reports presence.
	Get(ctx context.Context, key string) (string, bool, error)

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}
