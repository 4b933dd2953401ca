package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterWaitPacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "host b blocked by host a")
	assert.Equal(t, 2, l.Hosts())
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.com")
	require.Error(t, err)
	assert.ErrorContains(t, err, "rate limit wait")
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for range 5 {
		require.NoError(t, l.Wait(context.Background(), "https://fast.com"))
	}
}

func TestHost(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", Host("https://Example.com:8443/path"))
	assert.Equal(t, "unknown", Host("::bad"))
	assert.Equal(t, "unknown", Host("relative/path"))
}

func TestLimiterSharesBucketAcrossHostCase(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://EXAMPLE.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 1, l.Hosts())
}

func TestLimiterPruneDropsIdleHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 5, DefaultBurst: 1})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "https://old.com"))
	now = now.Add(10 * time.Minute)
	require.NoError(t, l.Wait(ctx, "https://fresh.com"))
	require.Equal(t, 2, l.Hosts())

	assert.Equal(t, 1, l.Prune(5*time.Minute))
	assert.Equal(t, 1, l.Hosts())
	assert.Zero(t, l.Prune(5*time.Minute))
	assert.Equal(t, 1, l.Prune(0))
	assert.Zero(t, l.Hosts())
}
