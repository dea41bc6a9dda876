// Package maintenance runs periodic cleanup of expired sessions and stale
// rate-limit windows.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"evodash.io/internal/obs"
)

// SessionSweeper removes expired sessions.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// WindowPruner removes rate-limit windows older than keep.
type WindowPruner interface {
	Prune(ctx context.Context, keep time.Duration) (int64, error)
}

// Result reports what a single run removed.
type Result struct {
	Sessions int64
	Windows  int64
}

// Sweeper wires cleanup jobs to a cron schedule.
type Sweeper struct {
	sessions SessionSweeper
	windows  WindowPruner
	keep     time.Duration
	timeout  time.Duration
	logger   *logrus.Logger
	cron     *cron.Cron
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithWindowPruner enables pruning of persisted rate-limit windows.
func WithWindowPruner(p WindowPruner, keep time.Duration) Option {
	return func(s *Sweeper) {
		s.windows = p
		if keep > 0 {
			s.keep = keep
		}
	}
}

func WithLogger(l *logrus.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRunTimeout bounds a single run.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New builds a Sweeper. Call Start to schedule it.
func New(sessions SessionSweeper, opts ...Option) *Sweeper {
	s := &Sweeper{
		sessions: sessions,
		keep:     time.Hour,
		timeout:  time.Minute,
		logger:   obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce performs every cleanup job. Failures in one job do not stop the
// others; the first error is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		res      Result
		firstErr error
	)
	if s.sessions != nil {
		n, err := s.sessions.SweepExpired(ctx)
		if err != nil {
			firstErr = err
			s.logger.WithError(err).Warn("session sweep failed")
		} else {
			res.Sessions = n
			obs.MaintenanceDeleted.WithLabelValues("sessions").Add(float64(n))
		}
	}
	if s.windows != nil {
		n, err := s.windows.Prune(ctx, s.keep)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.WithError(err).Warn("rate limit prune failed")
		} else {
			res.Windows = n
			obs.MaintenanceDeleted.WithLabelValues("ratelimit_windows").Add(float64(n))
		}
	}
	if res.Sessions > 0 || res.Windows > 0 {
		s.logger.WithFields(logrus.Fields{
			"sessions": res.Sessions,
			"windows":  res.Windows,
		}).Info("maintenance sweep")
	}
	return res, firstErr
}

// Start schedules RunOnce on spec, a standard cron expression or descriptor
// such as "@every 1h".
func (s *Sweeper) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		_, _ = s.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts scheduling and waits for a running job up to ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
