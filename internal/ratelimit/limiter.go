// Package ratelimit counts requests per key in fixed windows.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Rule allows Max requests per Window.
type Rule struct {
	Window time.Duration
	Max    int
}

// DefaultAuthRule guards login and registration.
var DefaultAuthRule = Rule{Window: 15 * time.Minute, Max: 10}

func (r Rule) validate() error {
	if r.Window <= 0 || r.Max <= 0 {
		return fmt.Errorf("ratelimit: invalid rule window=%s max=%d", r.Window, r.Max)
	}
	return nil
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long the caller should wait, rounded up to a
// whole second and never below one.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return time.Duration(math.Ceil(wait.Seconds())) * time.Second
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Check(ctx context.Context, key string, rule Rule) (Decision, error)
}

// Store keeps window counters for FixedWindow.
type Store interface {
	// Hit increments the counter of key for the window starting at
	// windowStart and returns the new count, atomically.
	Hit(ctx context.Context, key string, windowStart time.Time) (int, error)
	// Prune deletes counters whose window started before before.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// ErrEmptyKey is returned when Check is called without a key.
var ErrEmptyKey = errors.New("ratelimit: empty key")

func windowStart(now time.Time, window time.Duration) time.Time {
	return now.UTC().Truncate(window)
}

func decide(count int, rule Rule, start time.Time) Decision {
	remaining := rule.Max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= rule.Max,
		Limit:     rule.Max,
		Remaining: remaining,
		ResetAt:   start.Add(rule.Window),
	}
}

// FixedWindow counts hits in a shared Store.
type FixedWindow struct {
	store Store
	now   func() time.Time
}

// NewFixedWindow builds a limiter over store.
func NewFixedWindow(store Store, now func() time.Time) *FixedWindow {
	if now == nil {
		now = time.Now
	}
	return &FixedWindow{store: store, now: now}
}

// Check counts this request and reports whether it fits the rule.
func (f *FixedWindow) Check(ctx context.Context, key string, rule Rule) (Decision, error) {
	if key == "" {
		return Decision{}, ErrEmptyKey
	}
	if err := rule.validate(); err != nil {
		return Decision{}, err
	}
	start := windowStart(f.now(), rule.Window)
	count, err := f.store.Hit(ctx, key, start)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: hit %s: %w", key, err)
	}
	return decide(count, rule, start), nil
}

// Prune removes counters that ended more than keep ago.
func (f *FixedWindow) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	return f.store.Prune(ctx, f.now().UTC().Add(-keep))
}
