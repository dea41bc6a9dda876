package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMemoryKeys = 10_000

// Memory is a bounded in-process Limiter. Counters expire after ttl, which
// must be at least as long as the longest rule window in use.
type Memory struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, int]
	now   func() time.Time
}

// NewMemory returns a limiter holding at most size keys.
func NewMemory(size int, ttl time.Duration, now func() time.Time) *Memory {
	if size <= 0 {
		size = defaultMemoryKeys
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{
		cache: expirable.NewLRU[string, int](size, nil, ttl),
		now:   now,
	}
}

// Check counts this request and reports whether it fits the rule.
func (m *Memory) Check(_ context.Context, key string, rule Rule) (Decision, error) {
	if key == "" {
		return Decision{}, ErrEmptyKey
	}
	if err := rule.validate(); err != nil {
		return Decision{}, err
	}
	start := windowStart(m.now(), rule.Window)
	slot := key + "|" + strconv.FormatInt(start.Unix(), 10)

	m.mu.Lock()
	count, _ := m.cache.Get(slot)
	count++
	m.cache.Add(slot, count)
	m.mu.Unlock()

	return decide(count, rule, start), nil
}

// Len reports how many window counters are held.
func (m *Memory) Len() int {
	return m.cache.Len()
}
