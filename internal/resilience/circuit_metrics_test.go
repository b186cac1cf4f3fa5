package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBreakerSetIsolatesProviders(t *testing.T) {
	breakerState.Reset()
	breakerTransitions.Reset()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	set := NewBreakerSet(2, 0.5, time.Minute)
	set.now = clock.now
	ctx := context.Background()

	momo, vnpay := set.For("gateway-momo"), set.For("gateway-vnpay")
	for i := 0; i < 2; i++ {
		require.True(t, momo.Allow(ctx))
		momo.Report(ctx, false)
		require.True(t, vnpay.Allow(ctx))
		vnpay.Report(ctx, true)
	}
	require.False(t, momo.Allow(ctx))
	require.True(t, vnpay.Allow(ctx))
	require.Equal(t, map[string]string{"gateway-momo": "open", "gateway-vnpay": "closed"}, set.Snapshot())
	require.Equal(t, float64(Open), testutil.ToFloat64(breakerState.WithLabelValues("gateway-momo")))
	require.Equal(t, float64(Closed), testutil.ToFloat64(breakerState.WithLabelValues("gateway-vnpay")))

	// after the cool-off exactly one trial call reaches the gateway
	clock.advance(time.Minute)
	require.True(t, momo.Allow(ctx))
	require.False(t, momo.Allow(ctx))
	require.Equal(t, float64(HalfOpen), testutil.ToFloat64(breakerState.WithLabelValues("gateway-momo")))

	momo.Report(ctx, false)
	require.Equal(t, Open, momo.State())
	clock.advance(time.Minute)
	require.True(t, momo.Allow(ctx))
	momo.Report(ctx, true)
	require.Equal(t, Closed, momo.State())

	require.Equal(t, 1.0, testutil.ToFloat64(breakerTransitions.WithLabelValues("gateway-momo", "closed", "open")))
	require.Equal(t, 1.0, testutil.ToFloat64(breakerTransitions.WithLabelValues("gateway-momo", "half_open", "open")))
	require.Equal(t, 2.0, testutil.ToFloat64(breakerTransitions.WithLabelValues("gateway-momo", "open", "half_open")))
	require.Equal(t, 1.0, testutil.ToFloat64(breakerTransitions.WithLabelValues("gateway-momo", "half_open", "closed")))
	require.Zero(t, testutil.ToFloat64(breakerTransitions.WithLabelValues("gateway-vnpay", "closed", "open")))
}

func TestBreakerForgetsOldFailures(t *testing.T) {
	b := NewBreaker(2, 0.5, time.Minute)
	ctx := context.Background()

	b.Report(ctx, true)
	b.Report(ctx, false)
	// one failure in two calls trips at 0.5; the ring keeps four outcomes
	require.Equal(t, Open, b.State())

	b = NewBreaker(2, 0.75, time.Minute)
	b.Report(ctx, false)
	for i := 0; i < 4; i++ {
		b.Report(ctx, true)
	}
	// the early failure has aged out of the window
	b.Report(ctx, false)
	b.Report(ctx, false)
	require.Equal(t, Closed, b.State())
	b.Report(ctx, false)
	require.Equal(t, Open, b.State())
}
