package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "evodash:rl:"

// Redis shares counters between replicas. Keys expire with their window.
type Redis struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

// NewRedis builds a limiter over client.
func NewRedis(client redis.Cmdable, prefix string, now func() time.Time) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &Redis{client: client, prefix: prefix, now: now}
}

// Check counts this request and reports whether it fits the rule.
func (r *Redis) Check(ctx context.Context, key string, rule Rule) (Decision, error) {
	if key == "" {
		return Decision{}, ErrEmptyKey
	}
	if err := rule.validate(); err != nil {
		return Decision{}, err
	}
	start := windowStart(r.now(), rule.Window)
	slot := r.prefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, slot)
	pipe.PExpire(ctx, slot, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis %s: %w", key, err)
	}
	return decide(int(incr.Val()), rule, start), nil
}

// Ping verifies connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
