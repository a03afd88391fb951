package cache

import (
	"strings"
	"time"

	"github.com/fractal-lba/orion/internal/api"
	"github.com/fractal-lba/orion/internal/features"
	"github.com/fractal-lba/orion/internal/metrics"
)

// FrameCache memoizes feature frames per entity and date range.
type FrameCache struct {
	c       *TTLCache[string, *features.Frame]
	metrics *metrics.Metrics
}

var _ features.FrameCache = (*FrameCache)(nil)

// NewFrameCache creates a frame cache; m may be nil.
func NewFrameCache(size int, ttl time.Duration, m *metrics.Metrics) (*FrameCache, error) {
	c, err := NewTTL[string, *features.Frame](size, ttl)
	if err != nil {
		return nil, err
	}
	return &FrameCache{c: c, metrics: m}, nil
}

func (f *FrameCache) Get(key string) (*features.Frame, bool) {
	frame, ok := f.c.Get(key)
	f.metrics.CacheLookup(ok)
	return frame, ok
}

func (f *FrameCache) Set(key string, frame *features.Frame) {
	f.c.Set(key, frame)
}

// Invalidate drops every cached frame for the entity.
func (f *FrameCache) Invalidate(filter api.Filter) int {
	prefix := filter.String() + "|"
	return f.c.RemoveIf(func(k string) bool { return strings.HasPrefix(k, prefix) })
}

// Stats exposes the underlying counters.
func (f *FrameCache) Stats() Stats { return f.c.Stats() }

// PurgeExpired drops frames past their TTL.
func (f *FrameCache) PurgeExpired() int { return f.c.PurgeExpired() }
