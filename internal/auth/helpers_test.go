package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureAuditor struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *captureAuditor) Record(_ context.Context, ev AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *captureAuditor) actions() []AuditAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditAction, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Action)
	}
	return out
}

func (a *captureAuditor) last(action AuditAction) (AuditEvent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.events) - 1; i >= 0; i-- {
		if a.events[i].Action == action {
			return a.events[i], true
		}
	}
	return AuditEvent{}, false
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	clock   *testClock
	auditor *captureAuditor
}

var sharedHasher = NewPasswordHasher(bcrypt.MinCost)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore()
	tokens, err := NewTokenService(testSecret, WithTokenClock(clock.Now))
	require.NoError(t, err)
	auditor := &captureAuditor{}
	svc, err := NewService(store, tokens,
		WithClock(clock.Now),
		WithAuditor(auditor),
		WithHasher(sharedHasher),
	)
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, clock: clock, auditor: auditor}
}

func (f *fixture) register(t *testing.T, email, username, password string) LoginResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), RegisterInput{
		Email:    email,
		Username: username,
		Password: password,
	})
	require.NoError(t, err)
	return res
}
