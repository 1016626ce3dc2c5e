package attempts

import (
	"context"
	goerr "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript bumps a counter and arms the window TTL only on creation,
// so the window is anchored at the first failure.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisCounters backs the tracker with a shared Redis instance, so
// block state is visible to every node and survives restarts.
type RedisCounters struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Counters = (*RedisCounters)(nil)

// NewRedisCounters wraps an existing client. The prefix namespaces all
// keys, e.g. "adc:auth:".
func NewRedisCounters(client redis.UniversalClient, keyPrefix string) *RedisCounters {
	return &RedisCounters{client: client, keyPrefix: keyPrefix}
}

// Increment adds one to the counter under the window TTL.
func (r *RedisCounters) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, r.client, []string{r.keyPrefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempt counter: %w", err)
	}
	return n, nil
}

// Set writes a string value with a TTL.
func (r *RedisCounters) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set attempt marker: %w", err)
	}
	return nil
}

// Get reads a value; redis.Nil maps to absent.
func (r *RedisCounters) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.keyPrefix+key).Result()
	if err != nil {
		if goerr.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read attempt marker: %w", err)
	}
	return v, true, nil
}

// Delete removes keys.
func (r *RedisCounters) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.keyPrefix + key
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("failed to delete attempt keys: %w", err)
	}
	return nil
}
