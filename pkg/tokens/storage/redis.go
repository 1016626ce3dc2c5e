package storage

import (
	"context"
	"encoding/json"
	goerr "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/adcplatform/adc/pkg/errors"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// connectRetryWindow bounds the initial connection attempts.
	connectRetryWindow = 15 * time.Second
)

// RedisConfig holds the connection settings for the Redis-backed store.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces all keys, e.g. "adc:auth:".
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore is a Redis-backed refresh token repository. Record expiry
// is enforced with key TTLs; rotation runs as a Lua script so the
// delete-and-insert is atomic on the server.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// storedRecord is the JSON shape persisted in Redis.
type storedRecord struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	IPAddress string `json:"ip_address"`
	Country   string `json:"country,omitempty"`
	UserAgent string `json:"user_agent"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// rotateScript atomically redeems a refresh token: it deletes the old
// record and installs the replacement in one server-side step. Returns
// 0 when the old token is already gone, which means a concurrent
// rotation won the race.
var rotateScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if not old then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[4])
redis.call('PEXPIRE', KEYS[3], ARGV[3])
return 1
`)

// NewRedisStore connects to Redis and returns the store. The initial
// ping retries with exponential backoff so a platform boot can overlap
// with the Redis container coming up.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.NewConfigError("redis address is required", nil)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ping := func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	}
	if _, err := backoff.Retry(ctx, ping,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(connectRetryWindow),
	); err != nil {
		_ = client.Close()
		return nil, errors.NewDependencyError("cannot connect to redis", err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStoreWithClient wraps a pre-configured client. Used by tests
// running against miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks connectivity, used by health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) tokenKey(token string) string {
	return s.keyPrefix + "refresh:" + token
}

func (s *RedisStore) userSetKey(userID string) string {
	return s.keyPrefix + "user:refresh:" + userID
}

// Create persists a new record with a TTL derived from its expiry.
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	data, ttl, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	key := s.tokenKey(rec.Token)
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if !ok {
		return errors.NewIntegrityError("refresh token already exists")
	}

	// Index for bulk revocation. If indexing fails, drop the token so
	// we never hold tokens invisible to RevokeAllForUser.
	setKey := s.userSetKey(rec.UserID)
	if err := s.client.SAdd(ctx, setKey, rec.Token).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		return fmt.Errorf("failed to index refresh token: %w", err)
	}
	if err := s.client.Expire(ctx, setKey, ttl).Err(); err != nil {
		_ = s.client.Del(ctx, key).Err()
		_ = s.client.SRem(ctx, setKey, rec.Token).Err()
		return fmt.Errorf("failed to set index expiry: %w", err)
	}
	return nil
}

// FindByToken returns the record for the token string.
func (s *RedisStore) FindByToken(ctx context.Context, token string) (*Record, error) {
	data, err := s.client.Get(ctx, s.tokenKey(token)).Bytes()
	if err != nil {
		if goerr.Is(err, redis.Nil) {
			return nil, errTokenNotFound()
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	rec, err := unmarshalRecord(data)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(time.Now()) {
		// TTL and record expiry can drift by a tick; treat as gone.
		_ = s.client.Del(ctx, s.tokenKey(token)).Err()
		return nil, errTokenNotFound()
	}
	return rec, nil
}

// Rotate redeems oldToken and installs next in a single atomic script.
func (s *RedisStore) Rotate(ctx context.Context, oldToken string, next *Record) error {
	if next.UserID == "" {
		return errors.NewValidationError("refresh token record requires a user id", nil)
	}
	data, ttl, err := marshalRecord(next)
	if err != nil {
		return err
	}

	keys := []string{
		s.tokenKey(oldToken),
		s.tokenKey(next.Token),
		s.userSetKey(next.UserID),
	}
	res, err := rotateScript.Run(ctx, s.client, keys,
		oldToken, data, ttl.Milliseconds(), next.Token).Int()
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if res == 0 {
		return errRotationConflict()
	}
	return nil
}

// Revoke deletes a single token, ignoring tokens that are already gone.
func (s *RedisStore) Revoke(ctx context.Context, token string) error {
	key := s.tokenKey(token)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if goerr.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to get refresh token: %w", err)
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	if rec, err := unmarshalRecord(data); err == nil {
		// Index cleanup is best effort.
		_ = s.client.SRem(ctx, s.userSetKey(rec.UserID), token).Err()
	}
	return nil
}

// RevokeAllForUser deletes every token of the user plus the index set.
func (s *RedisStore) RevokeAllForUser(ctx context.Context, userID string) error {
	setKey := s.userSetKey(userID)
	tokens, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil && !goerr.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list user refresh tokens: %w", err)
	}
	for _, token := range tokens {
		_ = s.client.Del(ctx, s.tokenKey(token)).Err()
	}
	return s.client.Del(ctx, setKey).Err()
}

// DeleteAllForUser is identical to RevokeAllForUser for this backend.
func (s *RedisStore) DeleteAllForUser(ctx context.Context, userID string) error {
	return s.RevokeAllForUser(ctx, userID)
}

func marshalRecord(rec *Record) ([]byte, time.Duration, error) {
	if rec.Token == "" {
		return nil, 0, errors.NewValidationError("refresh token record requires a token", nil)
	}
	expiresAt := rec.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(DefaultTTL)
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil, 0, errors.NewValidationError("refresh token record is already expired", nil)
	}

	stored := storedRecord{
		Token:     rec.Token,
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		IPAddress: rec.IPAddress,
		Country:   rec.Country,
		UserAgent: rec.UserAgent,
		CreatedAt: rec.CreatedAt.Unix(),
		ExpiresAt: expiresAt.Unix(),
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	return data, ttl, nil
}

func unmarshalRecord(data []byte) (*Record, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	return &Record{
		Token:     stored.Token,
		UserID:    stored.UserID,
		DeviceID:  stored.DeviceID,
		IPAddress: stored.IPAddress,
		Country:   stored.Country,
		UserAgent: stored.UserAgent,
		CreatedAt: time.Unix(stored.CreatedAt, 0),
		ExpiresAt: time.Unix(stored.ExpiresAt, 0),
	}, nil
}
