package auth

import (
	"context"
	"time"
)

const (
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 15 * time.Minute
)

// LockoutPolicy decides when repeated failures lock an account.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultLockoutPolicy returns five failures for fifteen minutes.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: DefaultLockoutThreshold, Duration: DefaultLockoutDuration}
}

func (p LockoutPolicy) normalized() LockoutPolicy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultLockoutThreshold
	}
	if p.Duration <= 0 {
		p.Duration = DefaultLockoutDuration
	}
	return p
}

// LockoutTracker counts failed logins per account.
//
// The counter survives lock expiry and is only cleared by a successful
// login, so one more wrong password after expiry locks again.
type LockoutTracker struct {
	store  Store
	policy LockoutPolicy
	now    func() time.Time
}

// NewLockoutTracker builds a tracker. Zero policy fields take defaults.
func NewLockoutTracker(store Store, policy LockoutPolicy, now func() time.Time) *LockoutTracker {
	if now == nil {
		now = time.Now
	}
	return &LockoutTracker{store: store, policy: policy.normalized(), now: now}
}

// Policy returns the effective policy.
func (t *LockoutTracker) Policy() LockoutPolicy {
	return t.policy
}

// Locked reports whether u is locked right now.
func (t *LockoutTracker) Locked(u *User) bool {
	return u != nil && u.LockedUntil != nil && u.LockedUntil.After(t.now())
}

// IsLocked loads userID and reports its lock state.
func (t *LockoutTracker) IsLocked(ctx context.Context, userID string) (bool, error) {
	u, err := t.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return false, err
	}
	return t.Locked(u), nil
}

// RecordFailure counts one failed attempt. justLocked is true when this
// failure moved the account into the locked state.
func (t *LockoutTracker) RecordFailure(ctx context.Context, userID string) (state LockState, justLocked bool, err error) {
	now := t.now().UTC()
	state, err = t.store.Users(ctx).RecordFailure(ctx, userID, t.policy.Threshold, now.Add(t.policy.Duration))
	if err != nil {
		return LockState{}, false, err
	}
	justLocked = state.FailedAttempts >= t.policy.Threshold &&
		state.LockedUntil != nil && state.LockedUntil.After(now)
	return state, justLocked, nil
}

// Reset clears the counter after a successful login.
func (t *LockoutTracker) Reset(ctx context.Context, userID string) error {
	return t.store.Users(ctx).RecordSuccess(ctx, userID, t.now().UTC())
}
