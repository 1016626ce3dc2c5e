package tokens

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/keystore"
	"github.com/adcplatform/adc/pkg/tokens/storage"
)

type stubLookup struct {
	mu    sync.Mutex
	users map[string]*TokenUser
}

func (l *stubLookup) LookupTokenUser(_ context.Context, id string) (*TokenUser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[id]
	if !ok {
		return nil, errors.NewNotFoundError("user not found", nil)
	}
	return u, nil
}

func testUser() *TokenUser {
	return &TokenUser{
		ID:          "user-1",
		Permissions: []string{"users.1.1", "roles.255.15"},
		Metadata:    Metadata{Provider: "native", Username: "ada"},
	}
}

func testDevice() DeviceInfo {
	return DeviceInfo{
		IPAddress: "203.0.113.7",
		Country:   "DE",
		UserAgent: "test-agent",
	}
}

func newTestService(t *testing.T) (*Service, *keystore.Store, *storage.MemoryStore) {
	t.Helper()
	keys, err := keystore.NewRandom()
	require.NoError(t, err)
	repo := storage.NewMemoryStore()
	return NewService(keys, repo, Config{}), keys, repo
}

func TestCreateAndVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	pair, err := svc.CreateTokenPair(ctx, testUser(), testDevice())
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.NotEmpty(t, pair.AccessExpiresAt)

	sess, err := svc.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.False(t, sess.UsedPreviousKey)
	assert.Equal(t, "user-1", sess.Claims.UserID)
	assert.Equal(t, []string{"users.1.1", "roles.255.15"}, sess.Claims.Permissions)
	assert.Equal(t, "ada", sess.Claims.Metadata.Username)
	assert.NotEmpty(t, sess.Claims.DeviceID)
}

func TestVerifySurvivesOneKeyRotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, keys, _ := newTestService(t)
	pair, err := svc.CreateTokenPair(ctx, testUser(), testDevice())
	require.NoError(t, err)

	require.NoError(t, keys.RotateRandom())
	sess, err := svc.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, sess.UsedPreviousKey)

	// two rotations discard the sealing key entirely
	require.NoError(t, keys.RotateRandom())
	_, err = svc.VerifyAccessToken(pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, errors.CodeTokenInvalid, errors.CodeOf(err))
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	pair, err := svc.CreateTokenPair(ctx, testUser(), testDevice())
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = svc.VerifyAccessToken(pair.AccessToken)
	require.Error(t, err)
	assert.True(t, errors.IsAuthentication(err))
	assert.Equal(t, errors.CodeTokenExpired, errors.CodeOf(err))
}

func TestVerifyGarbageToken(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	_, err := svc.VerifyAccessToken("not-a-token")
	require.Error(t, err)
	assert.Equal(t, errors.CodeTokenInvalid, errors.CodeOf(err))
}

func TestRefreshRotatesToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	lookup := &stubLookup{users: map[string]*TokenUser{"user-1": testUser()}}

	pair, err := svc.CreateTokenPair(ctx, testUser(), testDevice())
	require.NoError(t, err)

	next, err := svc.RefreshTokens(ctx, pair.RefreshToken, testDevice(), lookup)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	sess, err := svc.VerifyAccessToken(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.Claims.UserID)

	// the redeemed token is single use
	_, err = svc.RefreshTokens(ctx, pair.RefreshToken, testDevice(), lookup)
	require.Error(t, err)
	assert.Equal(t, errors.CodeRefreshTokenNotFound, errors.CodeOf(err))
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	lookup := &stubLookup{users: map[string]*TokenUser{"user-1": testUser()}}
	pair, err := svc.CreateTokenPair(ctx, testUser(), testDevice())
	require.NoError(t, err)

	const racers = 3
	results := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.RefreshTokens(ctx, pair.RefreshToken, testDevice(), lookup)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		// losers either lost the rotate race or found the token gone
		assert.True(t, errors.IsIntegrity(err) || errors.IsAuthentication(err))
	}
	assert.Equal(t, 1, winners)
}

func TestRefreshExpiredRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, repo := newTestService(t)
	lookup := &stubLookup{users: map[string]*TokenUser{"user-1": testUser()}}
	pair, err := svc.CreateTokenPair(ctx, testUser(), testDevice())
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	_, err = svc.RefreshTokens(ctx, pair.RefreshToken, testDevice(), lookup)
	require.Error(t, err)
	assert.Equal(t, errors.CodeRefreshTokenExpired, errors.CodeOf(err))

	// the expired record was dropped from the repository
	svc.now = time.Now
	_, err = repo.FindByToken(ctx, pair.RefreshToken)
	assert.Error(t, err)
}

func TestRefreshDeletedUserRevokesAllSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, repo := newTestService(t)
	lookup := &stubLookup{users: map[string]*TokenUser{}}

	first, err := svc.CreateTokenPair(ctx, testUser(), testDevice())
	require.NoError(t, err)
	second, err := svc.CreateTokenPair(ctx, testUser(), testDevice())
	require.NoError(t, err)

	_, err = svc.RefreshTokens(ctx, first.RefreshToken, testDevice(), lookup)
	require.Error(t, err)
	assert.Equal(t, errors.CodeRequireRelogin, errors.CodeOf(err))

	_, err = repo.FindByToken(ctx, second.RefreshToken)
	assert.Error(t, err)
}

func TestRefreshCountryChangeForcesRelogin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, repo := newTestService(t)
	lookup := &stubLookup{users: map[string]*TokenUser{"user-1": testUser()}}
	pair, err := svc.CreateTokenPair(ctx, testUser(), testDevice())
	require.NoError(t, err)

	moved := testDevice()
	moved.Country = "US"
	_, err = svc.RefreshTokens(ctx, pair.RefreshToken, moved, lookup)
	require.Error(t, err)
	assert.Equal(t, errors.CodeRequireRelogin, errors.CodeOf(err))

	_, err = repo.FindByToken(ctx, pair.RefreshToken)
	assert.Error(t, err)
}

func TestRefreshUnknownCountryIsTolerated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	lookup := &stubLookup{users: map[string]*TokenUser{"user-1": testUser()}}
	pair, err := svc.CreateTokenPair(ctx, testUser(), testDevice())
	require.NoError(t, err)

	// the edge could not resolve a country; the stored one sticks
	moved := testDevice()
	moved.Country = "XX"
	next, err := svc.RefreshTokens(ctx, pair.RefreshToken, moved, lookup)
	require.NoError(t, err)
	assert.NotEmpty(t, next.RefreshToken)
}

func TestLogoutIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	pair, err := svc.CreateTokenPair(ctx, testUser(), testDevice())
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))
	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))

	lookup := &stubLookup{users: map[string]*TokenUser{"user-1": testUser()}}
	_, err = svc.RefreshTokens(ctx, pair.RefreshToken, testDevice(), lookup)
	assert.Error(t, err)
}
