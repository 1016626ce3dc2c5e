// Package attempts accounts for failed login and refresh attempts and
// escalates repeat offenders through temporary and permanent blocks.
// The decision logic lives in the Tracker; persistence is behind the
// Counters interface with in-memory and Redis backends, so block state
// survives restarts whenever a shared store is configured.
package attempts

import (
	"context"
	"strconv"
	"time"

	"github.com/adcplatform/adc/pkg/errors"
	"github.com/adcplatform/adc/pkg/logger"
)

// Thresholds and windows of the escalation state machine.
const (
	// LoginWindow is how long failed logins count against a user.
	LoginWindow = 24 * time.Hour
	// LoginThreshold failures within LoginWindow trigger a block.
	LoginThreshold = 3
	// TempBlockDuration is the length of the first block.
	TempBlockDuration = time.Hour

	// RefreshWindow is how long failed refresh attempts count.
	RefreshWindow = 5 * time.Minute
	// RefreshThreshold failures within RefreshWindow block permanently.
	RefreshThreshold = 3

	// PermBlockTTL bounds permanent block records in the shared store.
	// Long enough that only an operator cleanup matters in practice.
	PermBlockTTL = 30 * 24 * time.Hour
)

// Key families under which state is stored.
const (
	keyLoginFails   = "attempts:login:"
	keyRefreshFails = "attempts:refresh:"
	keyTempBlock    = "block:temp:"
	keyWasTemp      = "block:wastmp:"
	keyPermBlock    = "block:perm:"
)

// Status is the block state of a user.
type Status struct {
	Blocked      bool   `json:"blocked"`
	BlockedUntil int64  `json:"blockedUntil,omitempty"`
	Permanent    bool   `json:"permanent"`
	Reason       string `json:"reason,omitempty"`
}

// Err converts a blocking status into the typed error surfaced to
// clients, or nil when the user is not blocked.
func (s *Status) Err() error {
	if s == nil || !s.Blocked {
		return nil
	}
	var until time.Time
	if s.BlockedUntil > 0 {
		until = time.Unix(s.BlockedUntil, 0)
	}
	return errors.NewBlockedError(s.Permanent, until)
}

// Callbacks are invoked on state transitions. All of them are optional
// and their errors are swallowed after logging; accounting must never
// fail because a side channel is down.
type Callbacks struct {
	// UpdateBlockStatus mirrors the block state onto the user record.
	UpdateBlockStatus func(ctx context.Context, userID string, status Status) error
	// SendAlert notifies the user or an operator about the block.
	SendAlert func(ctx context.Context, userID, reason string) error
	// EraseTokens revokes every refresh token of the user. Called on
	// permanent blocks.
	EraseTokens func(ctx context.Context, userID string) error
}

// Tracker implements the escalation state machine:
//
//	OPEN -- fail x3 --> TEMP_BLOCKED (1h)
//	TEMP_BLOCKED -- timeout --> WAS_TEMP_BLOCKED
//	WAS_TEMP_BLOCKED -- fail x3 --> PERM_BLOCKED
//	PERM_BLOCKED -- admin unblock only
type Tracker struct {
	counters  Counters
	callbacks Callbacks
	now       func() time.Time
}

// NewTracker creates a tracker over the given counter store.
func NewTracker(counters Counters, callbacks Callbacks) *Tracker {
	return &Tracker{counters: counters, callbacks: callbacks, now: time.Now}
}

// Check returns the current block status without recording anything.
func (t *Tracker) Check(ctx context.Context, userID string) (*Status, error) {
	if _, ok, err := t.counters.Get(ctx, keyPermBlock+userID); err != nil {
		return nil, err
	} else if ok {
		return &Status{Blocked: true, Permanent: true, Reason: "account permanently blocked"}, nil
	}
	if v, ok, err := t.counters.Get(ctx, keyTempBlock+userID); err != nil {
		return nil, err
	} else if ok {
		until, _ := strconv.ParseInt(v, 10, 64)
		if until > t.now().Unix() {
			return &Status{
				Blocked:      true,
				BlockedUntil: until,
				Reason:       "too many failed login attempts",
			}, nil
		}
	}
	return &Status{}, nil
}

// RecordLoginFailure counts a failed login and applies the state
// machine. The returned status reflects the state after this failure.
func (t *Tracker) RecordLoginFailure(ctx context.Context, userID string) (*Status, error) {
	status, err := t.Check(ctx, userID)
	if err != nil {
		return nil, err
	}
	if status.Blocked {
		return status, nil
	}

	n, err := t.counters.Increment(ctx, keyLoginFails+userID, LoginWindow)
	if err != nil {
		return nil, err
	}
	if n < LoginThreshold {
		return &Status{}, nil
	}

	wasTemp, err := t.hasFlag(ctx, keyWasTemp+userID)
	if err != nil {
		return nil, err
	}
	if wasTemp {
		return t.blockPermanently(ctx, userID, "repeated login failures after a temporary block")
	}
	return t.blockTemporarily(ctx, userID)
}

// RecordLoginSuccess resets the failure counters. It does not clear the
// was-temporarily-blocked marker; only an explicit unblock does that.
func (t *Tracker) RecordLoginSuccess(ctx context.Context, userID string) error {
	return t.counters.Delete(ctx, keyLoginFails+userID, keyRefreshFails+userID)
}

// RecordRefreshFailure counts a failed refresh. Three failures inside
// the refresh window block the account permanently and erase all of
// its refresh tokens.
func (t *Tracker) RecordRefreshFailure(ctx context.Context, userID string) (*Status, error) {
	status, err := t.Check(ctx, userID)
	if err != nil {
		return nil, err
	}
	if status.Permanent {
		return status, nil
	}

	n, err := t.counters.Increment(ctx, keyRefreshFails+userID, RefreshWindow)
	if err != nil {
		return nil, err
	}
	if n < RefreshThreshold {
		return status, nil
	}
	return t.blockPermanently(ctx, userID, "repeated refresh failures")
}

// Unblock clears every counter and marker for the user, returning the
// account to OPEN. Admin-only operation.
func (t *Tracker) Unblock(ctx context.Context, userID string) error {
	err := t.counters.Delete(ctx,
		keyLoginFails+userID,
		keyRefreshFails+userID,
		keyTempBlock+userID,
		keyWasTemp+userID,
		keyPermBlock+userID,
	)
	if err != nil {
		return err
	}
	t.notifyBlockStatus(ctx, userID, Status{})
	return nil
}

func (t *Tracker) blockTemporarily(ctx context.Context, userID string) (*Status, error) {
	until := t.now().Add(TempBlockDuration)
	if err := t.counters.Set(ctx, keyTempBlock+userID,
		strconv.FormatInt(until.Unix(), 10), TempBlockDuration); err != nil {
		return nil, err
	}
	// The marker outlives the block by a full login window, so a fresh
	// burst of failures after the timeout escalates to permanent.
	if err := t.counters.Set(ctx, keyWasTemp+userID, "1",
		TempBlockDuration+LoginWindow); err != nil {
		return nil, err
	}
	if err := t.counters.Delete(ctx, keyLoginFails+userID); err != nil {
		return nil, err
	}

	status := Status{
		Blocked:      true,
		BlockedUntil: until.Unix(),
		Reason:       "too many failed login attempts",
	}
	logger.Warnw("temporarily blocking account", "user_id", userID, "until", until)
	t.notifyBlockStatus(ctx, userID, status)
	t.notifyAlert(ctx, userID, status.Reason)
	return &status, nil
}

func (t *Tracker) blockPermanently(ctx context.Context, userID, reason string) (*Status, error) {
	if err := t.counters.Set(ctx, keyPermBlock+userID, "1", PermBlockTTL); err != nil {
		return nil, err
	}
	if err := t.counters.Delete(ctx,
		keyLoginFails+userID, keyRefreshFails+userID, keyTempBlock+userID); err != nil {
		return nil, err
	}

	status := Status{Blocked: true, Permanent: true, Reason: reason}
	logger.Warnw("permanently blocking account", "user_id", userID, "reason", reason)
	t.notifyBlockStatus(ctx, userID, status)
	t.notifyAlert(ctx, userID, reason)
	if t.callbacks.EraseTokens != nil {
		if err := t.callbacks.EraseTokens(ctx, userID); err != nil {
			logger.Errorw("cannot erase tokens of blocked account", "user_id", userID, "error", err)
		}
	}
	return &status, nil
}

func (t *Tracker) notifyBlockStatus(ctx context.Context, userID string, status Status) {
	if t.callbacks.UpdateBlockStatus == nil {
		return
	}
	if err := t.callbacks.UpdateBlockStatus(ctx, userID, status); err != nil {
		logger.Errorw("cannot update block status", "user_id", userID, "error", err)
	}
}

func (t *Tracker) notifyAlert(ctx context.Context, userID, reason string) {
	if t.callbacks.SendAlert == nil {
		return
	}
	if err := t.callbacks.SendAlert(ctx, userID, reason); err != nil {
		logger.Errorw("cannot send block alert", "user_id", userID, "error", err)
	}
}

func (t *Tracker) hasFlag(ctx context.Context, key string) (bool, error) {
	_, ok, err := t.counters.Get(ctx, key)
	return ok, err
}
