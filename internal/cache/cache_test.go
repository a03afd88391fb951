package cache

import (
	"testing"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/features"
	"github.com/fractal-lba/orion/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCache_GetSet(t *testing.T) {
	c, err := NewTTL[string, int](4, 0)
	require.NoError(t, err)

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
}

func TestTTLCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewTTL[int, int](2, 0)
	require.NoError(t, err)

	c.Set(1, 1)
	c.Set(2, 2)
	_, _ = c.Get(1)
	c.Set(3, 3)

	_, ok := c.Get(2)
	assert.False(t, ok)
	_, ok = c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evicted)
}

func TestTTLCache_Expiry(t *testing.T) {
	c, err := NewTTL[string, int](4, time.Minute)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	c.Set("b", 2)
	now = now.Add(30 * time.Second)
	_, ok := c.Get("a")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, 0, c.Len())
}

func TestTTLCache_RemoveIf(t *testing.T) {
	c, err := NewTTL[string, int](8, 0)
	require.NoError(t, err)
	c.Set("x1", 1)
	c.Set("x2", 2)
	c.Set("y1", 3)

	n := c.RemoveIf(func(k string) bool { return k[0] == 'x' })
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestTTLCache_EvictedCountsOnlyCapacityEvictions(t *testing.T) {
	c, err := NewTTL[string, int](2, time.Minute)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	c.Set("b", 2)
	c.Remove("a")
	assert.Equal(t, 1, c.RemoveIf(func(k string) bool { return k == "b" }))
	c.Set("c", 3)
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, c.PurgeExpired())
	c.Set("d", 4)
	c.Set("d", 5)
	c.Purge()
	assert.Equal(t, uint64(0), c.Stats().Evicted)

	c.Set("e", 1)
	c.Set("f", 2)
	c.Set("g", 3)
	assert.Equal(t, uint64(1), c.Stats().Evicted)
}

func TestFrameCache_InvalidateAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	fc, err := NewFrameCache(16, time.Hour, m)
	require.NoError(t, err)

	p1 := api.Filter{ProductID: "p1"}
	p2 := api.Filter{ProductID: "p2"}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	frame := &features.Frame{Dates: []time.Time{from}}

	fc.Set(features.CacheKey(p1, from, time.Time{}), frame)
	fc.Set(features.CacheKey(p1, time.Time{}, time.Time{}), frame)
	fc.Set(features.CacheKey(p2, time.Time{}, time.Time{}), frame)

	got, ok := fc.Get(features.CacheKey(p1, from, time.Time{}))
	require.True(t, ok)
	assert.Same(t, frame, got)

	assert.Equal(t, 2, fc.Invalidate(p1))
	_, ok = fc.Get(features.CacheKey(p1, from, time.Time{}))
	assert.False(t, ok)
	_, ok = fc.Get(features.CacheKey(p2, time.Time{}, time.Time{}))
	assert.True(t, ok)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FrameCache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FrameCache.WithLabelValues("miss")))
}
