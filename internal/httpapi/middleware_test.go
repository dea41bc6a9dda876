package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evodash.io/internal/audit"
	"evodash.io/internal/auth"
	"evodash.io/internal/ratelimit"
)

type brokenLimiter struct{}

func (brokenLimiter) Check(context.Context, string, ratelimit.Rule) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rr.Header().Get(requestIDHeader))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rr.Header().Get(requestIDHeader))
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rr.Header().Get("Content-Security-Policy"))
	assert.NotEmpty(t, rr.Header().Get(requestIDHeader))
}

func TestLoginRateLimit(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 30, 0, time.UTC)
	clock := func() time.Time { return now }
	limiter := ratelimit.NewMemory(100, time.Hour, clock)
	env := newTestEnv(t,
		WithLimiter(limiter, ratelimit.Rule{Window: time.Minute, Max: 2}, false),
		WithClock(clock),
	)

	body := map[string]string{"email": "ghost@example.com", "password": "whatever1"}
	for i := 0; i < 2; i++ {
		rr := env.do(http.MethodPost, "/api/auth/login", body, "")
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(1-i), rr.Header().Get("X-RateLimit-Remaining"))
	}

	rr := env.do(http.MethodPost, "/api/auth/login", body, "")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "Too many requests, please try again later", decode(t, rr)["error"])
	assert.Equal(t, "30", rr.Header().Get("Retry-After"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, 2, env.auditCount(auth.ActionLoginFailed))

	// Register has its own bucket.
	rr = env.do(http.MethodPost, "/api/auth/register", map[string]string{
		"email": "a@example.com", "username": "alice", "password": "correct horse",
	}, "")
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func (e *testEnv) loginFrom(remote string, xff string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"email":"ghost@example.com","password":"whatever1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

func TestLoginRateLimitIgnoresForwardedFor(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	env := newTestEnv(t,
		WithLimiter(ratelimit.NewMemory(100, time.Hour, clock), ratelimit.Rule{Window: time.Minute, Max: 2}, false),
		WithClock(clock),
	)

	for i := 0; i < 2; i++ {
		rr := env.loginFrom("192.0.2.1:1234", fmt.Sprintf("203.0.113.%d", i))
		require.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	rr := env.loginFrom("192.0.2.1:1234", "203.0.113.99")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// A different peer has its own bucket.
	assert.Equal(t, http.StatusUnauthorized, env.loginFrom("192.0.2.2:1234", "").Code)
}

func TestLoginRateLimitBehindTrustedProxy(t *testing.T) {
	proxies, err := audit.ParseTrustedProxies([]string{"192.0.2.1"})
	require.NoError(t, err)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	env := newTestEnv(t,
		WithLimiter(ratelimit.NewMemory(100, time.Hour, clock), ratelimit.Rule{Window: time.Minute, Max: 1}, false),
		WithTrustedProxies(proxies),
		WithClock(clock),
	)

	assert.Equal(t, http.StatusUnauthorized, env.loginFrom("192.0.2.1:1234", "198.51.100.7").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.loginFrom("192.0.2.1:1234", "198.51.100.7").Code)
	// Entries left of the proxy's own append are caller-supplied.
	assert.Equal(t, http.StatusTooManyRequests, env.loginFrom("192.0.2.1:1234", "203.0.113.1, 198.51.100.7").Code)
	assert.Equal(t, http.StatusUnauthorized, env.loginFrom("192.0.2.1:1234", "198.51.100.8").Code)

	// Untrusted peers cannot pick a key.
	assert.Equal(t, http.StatusUnauthorized, env.loginFrom("192.0.2.9:1234", "198.51.100.9").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.loginFrom("192.0.2.9:1234", "198.51.100.10").Code)
}

func TestRateLimiterFailsClosed(t *testing.T) {
	env := newTestEnv(t, WithLimiter(brokenLimiter{}, ratelimit.DefaultAuthRule, false))
	rr := env.do(http.MethodPost, "/api/auth/login", map[string]string{"email": "a@example.com", "password": "whatever1"}, "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, 0, env.auditCount(auth.ActionLoginFailed))
}

func TestRateLimiterFailOpen(t *testing.T) {
	env := newTestEnv(t, WithLimiter(brokenLimiter{}, ratelimit.DefaultAuthRule, true))
	rr := env.do(http.MethodPost, "/api/auth/login", map[string]string{"email": "a@example.com", "password": "whatever1"}, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestThrottleAppliesToAPIOnly(t *testing.T) {
	throttle := ratelimit.NewThrottle(0.001, 1)
	t.Cleanup(throttle.Stop)
	env := newTestEnv(t, WithThrottle(throttle))

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/users", nil, "").Code)
	rr := env.do(http.MethodGet, "/api/users", nil, "")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil, "").Code)
}

func TestWriteAuthErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		err  error
		code int
	}{
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrAccountLocked, http.StatusForbidden},
		{auth.ErrAccountDisabled, http.StatusForbidden},
		{auth.ErrRateLimited, http.StatusTooManyRequests},
		{auth.ErrUnauthenticated, http.StatusUnauthorized},
		{auth.ErrTokenInvalid, http.StatusUnauthorized},
		{auth.ErrSessionExpired, http.StatusUnauthorized},
		{auth.ErrPermissionDenied, http.StatusForbidden},
		{auth.ErrConflict, http.StatusConflict},
		{auth.ErrNotFound, http.StatusNotFound},
		{auth.ErrInvalidInput, http.StatusBadRequest},
		{errors.New("db exploded"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		env.api.writeAuthError(rr, httptest.NewRequest(http.MethodGet, "/api/x", nil), tc.err)
		assert.Equal(t, tc.code, rr.Code, tc.err.Error())
		assert.NotContains(t, rr.Body.String(), "exploded")
	}
}
