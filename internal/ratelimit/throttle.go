package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const bucketIdleTTL = 5 * time.Minute

// Throttle is a per-key token bucket for coarse request smoothing.
type Throttle struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewThrottle allows perSecond sustained requests with burst per key.
// Idle buckets are dropped by a janitor until Stop is called.
func NewThrottle(perSecond float64, burst int) *Throttle {
	t := &Throttle{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go t.janitor(time.Minute)
	return t
}

// Allow reports whether key may proceed now and, if not, when to retry.
func (t *Throttle) Allow(key string) (bool, time.Duration) {
	if key == "" {
		key = "unknown"
	}
	now := t.now()
	t.mu.Lock()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.seen = now
	allowed := b.lim.AllowN(now, 1)
	t.mu.Unlock()

	if allowed {
		return true, 0
	}
	wait := time.Second
	if t.limit > 0 {
		wait = time.Duration(math.Ceil(1/float64(t.limit))) * time.Second
	}
	return false, wait
}

// Sweep drops buckets idle since before.
func (t *Throttle) Sweep(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, b := range t.buckets {
		if b.seen.Before(before) {
			delete(t.buckets, k)
			n++
		}
	}
	return n
}

func (t *Throttle) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep(t.now().Add(-bucketIdleTTL))
		case <-t.stop:
			return
		}
	}
}

// Stop ends the janitor.
func (t *Throttle) Stop() {
	t.once.Do(func() { close(t.stop) })
}
