package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newSliding(t *testing.T, now *time.Time) (Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return Limiter{Client: client, Prefix: "lookscan:", Now: func() time.Time { return *now }}, mr
}

func TestLimiterAllowSlidingWindow(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	limiter, mr := newSliding(t, &now)
	ctx := context.Background()
	window := 2 * time.Second

	for i := 0; i < 2; i++ {
		allowed, remaining, _, err := limiter.Allow(ctx, "analyze:198.51.100.7", window, 2)
		require.NoError(t, err)
		require.True(t, allowed, "request %d", i)
		require.Equal(t, 1-i, remaining)
	}

	allowed, remaining, reset, err := limiter.Allow(ctx, "analyze:198.51.100.7", window, 2)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Zero(t, remaining)
	require.Equal(t, now.Add(window), reset)

	members, err := mr.ZMembers("lookscan:analyze:198.51.100.7")
	require.NoError(t, err)
	require.Len(t, members, 2, "rejected requests are not recorded")

	now = now.Add(window + time.Millisecond)
	allowed, _, _, err = limiter.Allow(ctx, "analyze:198.51.100.7", window, 2)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestLimiterSlidesRatherThanResets(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	now := start
	limiter, _ := newSliding(t, &now)
	ctx := context.Background()
	window := 10 * time.Second

	allowed, _, _, err := limiter.Allow(ctx, "k", window, 2)
	require.NoError(t, err)
	require.True(t, allowed)

	now = start.Add(6 * time.Second)
	allowed, _, _, err = limiter.Allow(ctx, "k", window, 2)
	require.NoError(t, err)
	require.True(t, allowed)

	// The first event expires at 10s; the second holds its slot until 16s.
	now = start.Add(11 * time.Second)
	allowed, remaining, _, err := limiter.Allow(ctx, "k", window, 2)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Zero(t, remaining)

	now = start.Add(12 * time.Second)
	allowed, _, reset, err := limiter.Allow(ctx, "k", window, 2)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, start.Add(16*time.Second), reset)
}

func TestLimiterWithoutClientAllows(t *testing.T) {
	allowed, remaining, _, err := Limiter{}.Allow(context.Background(), "k", time.Minute, 5)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, 5, remaining)
}

func TestLimiterKeyExpires(t *testing.T) {
	now := time.Now()
	limiter, mr := newSliding(t, &now)
	_, _, _, err := limiter.Allow(context.Background(), "k", time.Minute, 1)
	require.NoError(t, err)
	require.True(t, mr.Exists("lookscan:k"))
	mr.FastForward(time.Minute)
	require.False(t, mr.Exists("lookscan:k"))
}
