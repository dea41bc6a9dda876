package audit

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evodash.io/internal/auth"
	"evodash.io/internal/obs"
)

func TestRecordPersistsWithClientInfo(t *testing.T) {
	store := auth.NewMemoryStore()
	logger, hook := logtest.NewNullLogger()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := NewRecorder(store, WithLogger(logger), WithClock(func() time.Time { return at }))

	ctx := auth.ContextWithClient(context.Background(), auth.ClientInfo{IPAddress: "203.0.113.9", UserAgent: "curl", RequestID: "req-123"})
	rec.Record(ctx, auth.AuditEvent{
		UserID:     "user-42",
		Action:     auth.ActionLoginFailed,
		Resource:   "user",
		ResourceID: "user-42",
		Detail:     map[string]any{"reason": auth.ReasonInvalidPassword},
	})

	entries, err := store.Audit(ctx).List(ctx, auth.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, at, e.OccurredAt)
	assert.Equal(t, "203.0.113.9", e.IPAddress)
	assert.Equal(t, "curl", e.UserAgent)
	assert.Equal(t, "req-123", e.RequestID)
	assert.Equal(t, auth.ReasonInvalidPassword, e.Detail["reason"])

	require.Len(t, hook.Entries, 1)
	line := hook.LastEntry()
	assert.Equal(t, "audit", line.Data["type"])
	assert.Equal(t, "login_failed", line.Data["event"])
	assert.Equal(t, "req-123", line.Data["request_id"])
	assert.Equal(t, "user-42", line.Data["user_id"])
	fields, ok := line.Data["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, auth.ReasonInvalidPassword, fields["reason"])
}

func TestRecordWithoutClientUsesUnknownIP(t *testing.T) {
	store := auth.NewMemoryStore()
	logger, _ := logtest.NewNullLogger()
	rec := NewRecorder(store, WithLogger(logger))

	rec.Record(context.Background(), auth.AuditEvent{Action: auth.ActionLogout})

	entries, err := store.Audit(context.Background()).List(context.Background(), auth.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, auth.UnknownIP, entries[0].IPAddress)
}

type failingAudit struct{}

func (failingAudit) Append(context.Context, *auth.AuditEntry) error {
	return errors.New("disk full")
}

func (failingAudit) List(context.Context, auth.AuditFilter) ([]auth.AuditEntry, error) {
	return nil, nil
}

type failingStore struct{ *auth.MemoryStore }

func (failingStore) Audit(context.Context) auth.AuditStore { return failingAudit{} }

func TestRecordFailureIsSwallowedAndCounted(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	rec := NewRecorder(failingStore{auth.NewMemoryStore()}, WithLogger(logger))
	before := testutil.ToFloat64(obs.AuditWriteFailures)

	assert.NotPanics(t, func() {
		rec.Record(context.Background(), auth.AuditEvent{Action: auth.ActionLogin, UserID: "u1"})
	})

	assert.Equal(t, before+1, testutil.ToFloat64(obs.AuditWriteFailures))
	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "audit write failed", last.Message)
}

func TestRecordSurvivesCancelledRequest(t *testing.T) {
	store := auth.NewMemoryStore()
	logger, _ := logtest.NewNullLogger()
	rec := NewRecorder(store, WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Record(ctx, auth.AuditEvent{Action: auth.ActionLogout})

	entries, err := store.Audit(context.Background()).List(context.Background(), auth.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLogEventRequiresName(t *testing.T) {
	require.Error(t, LogEvent(context.Background(), " ", nil))
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{"forwarded first entry", "198.51.100.7, 10.0.0.1", "10.0.0.2", "10.0.0.3:1234", "198.51.100.7"},
		{"real ip", "", "198.51.100.8", "10.0.0.3:1234", "198.51.100.8"},
		{"remote addr", "", "", "192.0.2.10:5555", "192.0.2.10"},
		{"remote without port", "", "", "192.0.2.11", "192.0.2.11"},
		{"nothing", "", "", "", auth.UnknownIP},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.want, ClientIP(r))
		})
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("User-Agent", "ua")
	info := ClientFromRequest(r, "rid")
	assert.Equal(t, "ua", info.UserAgent)
	assert.Equal(t, "rid", info.RequestID)
}

func TestParseTrustedProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.1 ", "", "2001:db8::/32"})
	require.NoError(t, err)
	require.Len(t, proxies, 3)
	assert.Equal(t, "192.0.2.1/32", proxies[1].String())

	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.ErrorContains(t, err, "10.0.0.0/33")
	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}

func TestPeerIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	cases := []struct {
		name    string
		proxies TrustedProxies
		xff     []string
		realIP  string
		remote  string
		want    string
	}{
		{"untrusted peer ignores headers", proxies, []string{"198.51.100.7"}, "198.51.100.8", "203.0.113.5:4000", "203.0.113.5"},
		{"no proxies configured", nil, []string{"198.51.100.7"}, "", "10.0.0.3:4000", "10.0.0.3"},
		{"trusted peer uses forwarded client", proxies, []string{"198.51.100.7"}, "", "10.0.0.3:4000", "198.51.100.7"},
		{"spoofed leading entries skipped", proxies, []string{"1.2.3.4, 198.51.100.7, 10.0.0.9"}, "", "10.0.0.3:4000", "198.51.100.7"},
		{"header values joined", proxies, []string{"1.2.3.4", "198.51.100.7"}, "", "10.0.0.3:4000", "198.51.100.7"},
		{"unparseable hop stops walk", proxies, []string{"198.51.100.7, garbage, 10.0.0.9"}, "", "10.0.0.3:4000", "10.0.0.9"},
		{"all hops trusted", proxies, []string{"10.1.1.1"}, "", "10.0.0.3:4000", "10.1.1.1"},
		{"real ip from trusted peer", proxies, nil, "198.51.100.8", "10.0.0.3:4000", "198.51.100.8"},
		{"bad real ip falls back", proxies, nil, "nope", "10.0.0.3:4000", "10.0.0.3"},
		{"mapped ipv4 peer", proxies, []string{"198.51.100.7"}, "", "[::ffff:10.0.0.3]:4000", "198.51.100.7"},
		{"remote without port", nil, nil, "", "192.0.2.11", "192.0.2.11"},
		{"nothing", proxies, nil, "", "", auth.UnknownIP},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				r.Header.Add("X-Forwarded-For", v)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.want, tc.proxies.PeerIP(r))
		})
	}
}
