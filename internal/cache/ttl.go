// Package cache provides size-bounded LRU caches with per-entry expiry.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TTLCache is a thread-safe LRU cache whose entries expire after a fixed
// duration. A zero ttl disables expiry.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	lru     *lru.Cache[K, ttlEntry[V]]
	ttl     time.Duration
	now     func() time.Time
	hits    uint64
	misses  uint64
	evicted uint64
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTL creates a cache holding at most size entries.
func NewTTL[K comparable, V any](size int, ttl time.Duration) (*TTLCache[K, V], error) {
	c := &TTLCache[K, V]{ttl: ttl, now: time.Now}
	l, err := lru.New[K, ttlEntry[V]](size)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

func (c *TTLCache[K, V]) expired(e ttlEntry[V]) bool {
	return c.ttl > 0 && c.now().After(e.expiresAt)
}

// Get returns a live entry. Expired entries are removed on access.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if ok && c.expired(e) {
		c.lru.Remove(key)
		ok = false
	}
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value, evicting the least recently used entry when full.
// Only those capacity evictions count towards Stats.Evicted.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if c.ttl > 0 {
		exp = c.now().Add(c.ttl)
	}
	if c.lru.Add(key, ttlEntry[V]{value: value, expiresAt: exp}) {
		c.evicted++
	}
}

// Remove deletes key.
func (c *TTLCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// RemoveIf deletes every key matching pred and returns the count.
func (c *TTLCache[K, V]) RemoveIf(pred func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, k := range c.lru.Keys() {
		if pred(k) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

// Len counts stored entries, expired or not.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge removes everything.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// PurgeExpired removes expired entries and returns the count. O(n).
func (c *TTLCache[K, V]) PurgeExpired() int {
	if c.ttl == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && c.expired(e) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current counters.
func (c *TTLCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Hits: c.hits, Misses: c.misses, Evicted: c.evicted, Size: c.lru.Len()}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
