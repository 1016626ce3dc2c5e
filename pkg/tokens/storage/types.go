// Package storage persists refresh tokens. Two backends exist: an
// in-memory store for single-node deployments and tests, and a Redis
// store for horizontally scaled installations. Both guarantee that
// rotating a refresh token is atomic, so a token can be redeemed at
// most once even under concurrent refresh requests.
package storage

import (
	"context"
	"time"

	"github.com/adcplatform/adc/pkg/errors"
)

// DefaultTTL is the refresh token lifetime when the record carries no
// explicit expiry.
const DefaultTTL = 30 * 24 * time.Hour

// Record is a stored refresh token. The token string itself is opaque,
// carries at least 256 bits of entropy and acts as the primary key.
type Record struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	DeviceID  string    `json:"deviceId"`
	IPAddress string    `json:"ipAddress"`
	Country   string    `json:"country,omitempty"`
	UserAgent string    `json:"userAgent"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsExpired reports whether the record is past its expiry at the given
// instant.
func (r *Record) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Clone returns a copy detached from the store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// Store is the refresh token repository.
type Store interface {
	// Create persists a new record. The token must not already exist.
	Create(ctx context.Context, rec *Record) error

	// FindByToken returns the record for the given token string.
	// Missing or expired tokens yield an authentication error with
	// code REFRESH_TOKEN_NOT_FOUND.
	FindByToken(ctx context.Context, token string) (*Record, error)

	// Rotate atomically deletes the old token and inserts the
	// replacement. When the old token is already gone, because a
	// concurrent refresh won the race, it returns an integrity error
	// with code REFRESH_ROTATION_CONFLICT and writes nothing.
	Rotate(ctx context.Context, oldToken string, next *Record) error

	// Revoke deletes a single token. Revoking a token that does not
	// exist is not an error.
	Revoke(ctx context.Context, token string) error

	// RevokeAllForUser deletes every live token belonging to the user.
	RevokeAllForUser(ctx context.Context, userID string) error

	// DeleteAllForUser removes every token and all bookkeeping for the
	// user. Used when the account itself is erased.
	DeleteAllForUser(ctx context.Context, userID string) error
}

func errTokenNotFound() error {
	return errors.NewAuthenticationError(errors.CodeRefreshTokenNotFound, "refresh token not found")
}

func errRotationConflict() error {
	return errors.NewIntegrityError("refresh token was already rotated").
		WithCode(errors.CodeRotationConflict)
}
