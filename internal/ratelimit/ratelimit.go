// Package ratelimit applies tier-aware sliding-window limits to guarded
// operations. It is a policy layer in front of the risk engine, not part of
// its correctness.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caretrust-systems/securecore/internal/metrics"
)

type RateLimiter interface {
	Allow(ctx context.Context, tier, actorID string) (bool, error)
	Close() error
}

// TierLimits maps an actor tier to its per-window request budget. Unknown
// tiers fall back to DefaultLimit.
type TierLimits struct {
	Limits       map[string]int
	DefaultLimit int
	Window       time.Duration
}

type redisRateLimiter struct {
	client   *redis.Client
	tiers    TierLimits
	disabled bool
}

func NewRedisRateLimiter(redisURL string, tiers TierLimits, disabled bool) (RateLimiter, error) {
	if disabled {
		return &redisRateLimiter{disabled: true}, nil
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &redisRateLimiter{client: client, tiers: tiers}, nil
}

// Allow implements sliding-window rate limiting with an atomic Lua script.
func (r *redisRateLimiter) Allow(ctx context.Context, tier, actorID string) (bool, error) {
	if r.disabled {
		return true, nil
	}

	limit := r.tiers.DefaultLimit
	if l, ok := r.tiers.Limits[tier]; ok {
		limit = l
	}

	now := time.Now().UnixNano()
	windowStart := now - r.tiers.Window.Nanoseconds()

	script := `
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local limit = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

		local current = redis.call('ZCARD', key)

		if current < limit then
			redis.call('ZADD', key, now, now)
			redis.call('EXPIRE', key, 60)
			return 1
		else
			return 0
		end
	`

	key := "ratelimit:" + tier + ":" + actorID
	result, err := r.client.Eval(ctx, script, []string{key}, now, windowStart, limit).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := result == 1
	if !allowed {
		metrics.RateLimitHits.WithLabelValues(tier).Inc()
	}
	return allowed, nil
}

func (r *redisRateLimiter) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// NoOpRateLimiter always allows requests (for testing or disabled limiting).
type NoOpRateLimiter struct{}

func (n *NoOpRateLimiter) Allow(ctx context.Context, tier, actorID string) (bool, error) {
	return true, nil
}

func (n *NoOpRateLimiter) Close() error {
	return nil
}
