// Package tokens issues and verifies session tokens. Access tokens are
// sealed JWE envelopes (direct 256-bit AEAD) that open under the current
// or, within one access lifetime of a rotation, the previous sealing
// key. Refresh tokens are opaque random strings persisted through the
// storage repository and redeemed exactly once.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/geo"
	"github.com/adcplatform/adc/pkg/keystore"
	"github.com/adcplatform/adc/pkg/logger"
	"github.com/adcplatform/adc/pkg/tokens/storage"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// refreshTokenBytes is the entropy of an opaque refresh token.
const refreshTokenBytes = 32

// Config tunes the token lifetimes. Zero values fall back to defaults.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Pair is an issued access/refresh token pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Session is the result of a successful access token verification.
// UsedPreviousKey signals the client should refresh soon: its token was
// sealed under a key that has since been rotated out.
type Session struct {
	Claims          Claims
	UsedPreviousKey bool
}

// UserLookup resolves the current subject data while redeeming a
// refresh token. Implementations return a not-found error when the
// account no longer exists.
type UserLookup interface {
	LookupTokenUser(ctx context.Context, userID string) (*TokenUser, error)
}

// Service mints and verifies token pairs.
type Service struct {
	keys       *keystore.Store
	repo       storage.Store
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewService creates a token service over the given key store and
// refresh token repository.
func NewService(keys *keystore.Store, repo storage.Store, cfg Config) *Service {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	return &Service{
		keys:       keys,
		repo:       repo,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
}

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// CreateTokenPair seals an access token for the user under the current
// key and persists a fresh refresh token with the device context.
func (s *Service) CreateTokenPair(ctx context.Context, user *TokenUser, device DeviceInfo) (*Pair, error) {
	if user == nil || user.ID == "" {
		return nil, errors.NewValidationError("token pair requires a user", nil)
	}
	now := s.now()
	deviceID := device.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	claims := Claims{
		UserID:      user.ID,
		Permissions: user.Permissions,
		DeviceID:    deviceID,
		Metadata:    user.Metadata,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(s.accessTTL).Unix(),
	}
	access, err := s.seal(&claims)
	if err != nil {
		return nil, err
	}

	refresh, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}
	rec := &storage.Record{
		Token:     refresh,
		UserID:    user.ID,
		DeviceID:  deviceID,
		IPAddress: device.IPAddress,
		Country:   geo.Normalize(device.Country),
		UserAgent: device.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	pairsIssuedTotal.Inc()
	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  time.Unix(claims.ExpiresAt, 0),
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// VerifyAccessToken opens a sealed access token. It tries the current
// key first and falls back to the previous key only when decryption
// itself failed; a token that opens but is past its expiry never
// consults the previous key.
func (s *Service) VerifyAccessToken(token string) (*Session, error) {
	obj, err := jose.ParseEncrypted(token,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		verifyTotal.WithLabelValues("invalid").Inc()
		return nil, errors.NewAuthenticationError(errors.CodeTokenInvalid, "malformed access token")
	}

	snap := s.keys.Snapshot()
	usedPrevious := false
	plain, err := obj.Decrypt(snap.Current)
	if err != nil && snap.Previous != nil {
		plain, err = obj.Decrypt(snap.Previous)
		usedPrevious = true
	}
	if err != nil {
		verifyTotal.WithLabelValues("invalid").Inc()
		return nil, errors.NewAuthenticationError(errors.CodeTokenInvalid, "access token cannot be opened")
	}

	var claims Claims
	if err := json.Unmarshal(plain, &claims); err != nil {
		verifyTotal.WithLabelValues("invalid").Inc()
		return nil, errors.NewAuthenticationError(errors.CodeTokenInvalid, "access token payload is corrupt")
	}
	if claims.Expired(s.now()) {
		verifyTotal.WithLabelValues("expired").Inc()
		return nil, errors.NewAuthenticationError(errors.CodeTokenExpired, "access token expired")
	}

	if usedPrevious {
		verifyTotal.WithLabelValues("ok_previous_key").Inc()
	} else {
		verifyTotal.WithLabelValues("ok").Inc()
	}
	return &Session{Claims: claims, UsedPreviousKey: usedPrevious}, nil
}

// RefreshTokens redeems a refresh token for a new pair. The stored
// record is rotated atomically, so of any concurrent redeems of the
// same token exactly one succeeds. A vanished user or a country change
// revokes every refresh token of the user and demands a fresh login.
func (s *Service) RefreshTokens(
	ctx context.Context, refreshToken string, device DeviceInfo, lookup UserLookup,
) (*Pair, error) {
	rec, err := s.repo.FindByToken(ctx, refreshToken)
	if err != nil {
		refreshTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}

	now := s.now()
	if rec.IsExpired(now) {
		_ = s.repo.Revoke(ctx, refreshToken)
		refreshTotal.WithLabelValues("expired").Inc()
		return nil, errors.NewAuthenticationError(errors.CodeRefreshTokenExpired, "refresh token expired")
	}

	user, err := lookup.LookupTokenUser(ctx, rec.UserID)
	if err != nil {
		if errors.IsNotFound(err) {
			if rerr := s.repo.RevokeAllForUser(ctx, rec.UserID); rerr != nil {
				logger.Errorw("cannot revoke refresh tokens of deleted user",
					"user_id", rec.UserID, "error", rerr)
			}
			refreshTotal.WithLabelValues("relogin").Inc()
			return nil, errors.NewAuthenticationError(errors.CodeRequireRelogin, "account no longer exists")
		}
		refreshTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	current := geo.Normalize(device.Country)
	if geo.Changed(rec.Country, current) {
		logger.Warnw("refresh token used from a different country",
			"user_id", rec.UserID, "stored", rec.Country, "current", current)
		if rerr := s.repo.RevokeAllForUser(ctx, rec.UserID); rerr != nil {
			logger.Errorw("cannot revoke refresh tokens after country change",
				"user_id", rec.UserID, "error", rerr)
		}
		refreshTotal.WithLabelValues("relogin").Inc()
		return nil, errors.NewAuthenticationError(errors.CodeRequireRelogin, "session country changed")
	}

	next, err := newOpaqueToken()
	if err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	country := current
	if !geo.Known(country) {
		country = rec.Country
	}
	nextRec := &storage.Record{
		Token:     next,
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		IPAddress: device.IPAddress,
		Country:   country,
		UserAgent: device.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	if err := s.repo.Rotate(ctx, refreshToken, nextRec); err != nil {
		refreshTotal.WithLabelValues("conflict").Inc()
		return nil, err
	}

	claims := Claims{
		UserID:      user.ID,
		Permissions: user.Permissions,
		DeviceID:    rec.DeviceID,
		Metadata:    user.Metadata,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(s.accessTTL).Unix(),
	}
	access, err := s.seal(&claims)
	if err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	refreshTotal.WithLabelValues("ok").Inc()
	return &Pair{
		AccessToken:      access,
		RefreshToken:     next,
		AccessExpiresAt:  time.Unix(claims.ExpiresAt, 0),
		RefreshExpiresAt: nextRec.ExpiresAt,
	}, nil
}

// TokenOwner returns the user id a refresh token belongs to. Used to
// attribute failed refresh attempts before the rotation itself runs.
func (s *Service) TokenOwner(ctx context.Context, refreshToken string) (string, error) {
	rec, err := s.repo.FindByToken(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	return rec.UserID, nil
}

// Logout revokes a single refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.repo.Revoke(ctx, refreshToken)
}

// RevokeUserSessions revokes every refresh token of the user.
func (s *Service) RevokeUserSessions(ctx context.Context, userID string) error {
	return s.repo.RevokeAllForUser(ctx, userID)
}

func (s *Service) seal(claims *Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.NewInternalError("cannot marshal token claims", err)
	}
	enc, err := jose.NewEncrypter(jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: s.keys.CurrentKey()}, nil)
	if err != nil {
		return "", errors.NewInternalError("cannot build token encrypter", err)
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return "", errors.NewInternalError("cannot seal access token", err)
	}
	out, err := obj.CompactSerialize()
	if err != nil {
		return "", errors.NewInternalError("cannot serialize access token", err)
	}
	return out, nil
}

func newOpaqueToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.NewInternalError("cannot read system entropy", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
