package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, tiers TierLimits) RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)

	limiter, err := NewRedisRateLimiter("redis://"+mr.Addr(), tiers, false)
	require.NoError(t, err)
	t.Cleanup(func() { limiter.Close() })
	return limiter
}

func TestAllow_EnforcesTierLimit(t *testing.T) {
	limiter := newTestLimiter(t, TierLimits{
		Limits:       map[string]int{"standard": 3},
		DefaultLimit: 10,
		Window:       time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "standard", "dr.smith")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be under the limit", i+1)
	}

	allowed, err := limiter.Allow(ctx, "standard", "dr.smith")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestAllow_ActorsIsolated(t *testing.T) {
	limiter := newTestLimiter(t, TierLimits{
		Limits:       map[string]int{"standard": 1},
		DefaultLimit: 10,
		Window:       time.Minute,
	})
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "standard", "dr.smith")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "standard", "dr.smith")
	require.NoError(t, err)
	require.False(t, allowed)

	// A different actor has its own window.
	allowed, err = limiter.Allow(ctx, "standard", "dr.jones")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllow_UnknownTierUsesDefault(t *testing.T) {
	limiter := newTestLimiter(t, TierLimits{
		Limits:       map[string]int{"standard": 100},
		DefaultLimit: 2,
		Window:       time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "unmapped-tier", "dr.smith")
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "unmapped-tier", "dr.smith")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestAllow_Disabled(t *testing.T) {
	limiter, err := NewRedisRateLimiter("", TierLimits{}, true)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		allowed, err := limiter.Allow(context.Background(), "any", "anyone")
		require.NoError(t, err)
		require.True(t, allowed)
	}
}

func TestNewRedisRateLimiter_BadURL(t *testing.T) {
	_, err := NewRedisRateLimiter("not-a-url", TierLimits{}, false)
	assert.Error(t, err)
}

func TestNoOpRateLimiter(t *testing.T) {
	limiter := &NoOpRateLimiter{}
	allowed, err := limiter.Allow(context.Background(), "any", "anyone")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.NoError(t, limiter.Close())
}
