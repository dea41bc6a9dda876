// Package audit persists security events and mirrors them to the
// operational log.
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"evodash.io/internal/auth"
	"evodash.io/internal/obs"
)

const defaultWriteTimeout = 3 * time.Second

var _ auth.Auditor = (*Recorder)(nil)

// Recorder appends audit rows. A failed write is logged and counted but
// never returned to the operation that produced the event.
type Recorder struct {
	store   auth.Store
	logger  *logrus.Logger
	now     func() time.Time
	timeout time.Duration
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger overrides the operational logger.
func WithLogger(l *logrus.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithWriteTimeout bounds a single append.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRecorder builds a recorder writing to store.
func NewRecorder(store auth.Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  obs.Logger(),
		now:     time.Now,
		timeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists ev with client details from ctx.
func (r *Recorder) Record(ctx context.Context, ev auth.AuditEvent) {
	client := auth.ClientFromContext(ctx)
	entry := &auth.AuditEntry{
		OccurredAt: r.now().UTC(),
		UserID:     ev.UserID,
		Action:     ev.Action,
		Resource:   ev.Resource,
		ResourceID: ev.ResourceID,
		Detail:     ev.Detail,
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
		RequestID:  client.RequestID,
	}

	fields := map[string]any{}
	if ev.Resource != "" {
		fields["resource"] = ev.Resource
	}
	if ev.ResourceID != "" {
		fields["resource_id"] = ev.ResourceID
	}
	for k, v := range ev.Detail {
		fields[k] = v
	}
	_ = logEvent(r.logger, ctx, string(ev.Action), ev.UserID, fields)

	// The request may already be finished or cancelled; the row still lands.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.store.Audit(wctx).Append(wctx, entry); err != nil {
		obs.AuditWriteFailures.Inc()
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":     string(ev.Action),
			"user_id":    ev.UserID,
			"request_id": client.RequestID,
		}).Error("audit write failed")
	}
}
