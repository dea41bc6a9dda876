package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evodash.io/internal/auth"
	"evodash.io/internal/obs"
)

type fakePruner struct {
	keep time.Duration
	n    int64
	err  error
}

func (f *fakePruner) Prune(_ context.Context, keep time.Duration) (int64, error) {
	f.keep = keep
	return f.n, f.err
}

type failingSessions struct{}

func (failingSessions) SweepExpired(context.Context) (int64, error) {
	return 0, errors.New("db down")
}

func TestRunOnceSweepsExpiredSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := auth.NewMemoryStore()
	sessions := auth.NewSessionRegistry(store, func() time.Time { return now })

	for i, exp := range []time.Duration{-time.Hour, -time.Minute, time.Hour} {
		_, err := store.Users(ctx).Create(ctx, &auth.User{
			ID: string(rune('a' + i)), Email: string(rune('a'+i)) + "@x.io", Username: "user" + string(rune('a'+i)), Active: true,
		}, auth.FirstUserGrant{})
		require.NoError(t, err)
		_, err = sessions.Create(ctx, string(rune('a'+i)), "tok"+string(rune('a'+i)), now.Add(exp), auth.ClientInfo{IPAddress: "127.0.0.1"})
		require.NoError(t, err)
	}

	before := testutil.ToFloat64(obs.MaintenanceDeleted.WithLabelValues("sessions"))
	pruner := &fakePruner{n: 4}
	logger, _ := test.NewNullLogger()
	s := New(sessions, WithWindowPruner(pruner, 2*time.Hour), WithLogger(logger))

	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Sessions)
	assert.EqualValues(t, 4, res.Windows)
	assert.Equal(t, 2*time.Hour, pruner.keep)
	assert.InDelta(t, before+2, testutil.ToFloat64(obs.MaintenanceDeleted.WithLabelValues("sessions")), 0.001)

	_, err = sessions.FindValid(ctx, "tokc")
	assert.NoError(t, err)
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	pruner := &fakePruner{n: 1}
	s := New(failingSessions{}, WithWindowPruner(pruner, 0), WithLogger(logger))

	res, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, res.Windows)
	assert.Equal(t, time.Hour, pruner.keep)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "session sweep failed" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(failingSessions{})
	assert.Error(t, s.Start("not a schedule"))
	s.Stop(context.Background())
}

func TestStartAndStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(nil, WithLogger(logger))
	require.NoError(t, s.Start("@every 1h"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
