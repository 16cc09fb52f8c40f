// Package cache implements a bounded key/value store with per-entry TTL and
// least-recently-used eviction. Expired entries read as absent and are
// removed lazily on access, ahead of live entries when space is needed, and
// by an optional background sweep.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/system"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

const defaultCapacity = 1024

// Config controls cache sizing and expiry.
//   - Capacity: maximum number of entries (default 1024).
//   - DefaultTTL: TTL applied by Set when ttl <= 0; zero means entries never expire.
//   - Clock: time source, defaults to the system clock.
type Config struct {
	Capacity   int
	DefaultTTL time.Duration
	Clock      torrent.Clock
}

// Stats are cumulative counters since construction.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Len         int    `json:"len"`
	Capacity    int    `json:"capacity"`
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
	lastUsedAt time.Time
	expiresAt  time.Time
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is safe for concurrent use. The lock is held only for map and list
// manipulation, never across caller code.
type Cache[K comparable, V any] struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[K, entry[V]]
	expiry *expiryIndex[K]
	cfg    Config
	stats  Stats
}

// New builds a Cache.
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	c := &Cache[K, V]{expiry: newExpiryIndex[K](), cfg: cfg, stats: Stats{Capacity: cfg.Capacity}}
	// Capacity is positive, which is the only NewLRU failure mode.
	c.lru, _ = simplelru.NewLRU[K, entry[V]](cfg.Capacity, func(key K, _ entry[V]) {
		c.expiry.remove(key)
	})
	return c
}

// Get returns the value for key if it is present and unexpired, marking it
// most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	now := c.cfg.Clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if e.expired(now) {
		c.lru.Remove(key)
		c.stats.Expirations++
		c.stats.Misses++
		return zero, false
	}
	e.lastUsedAt = now
	c.lru.Add(key, e)
	c.stats.Hits++
	return e.value, true
}

// Set inserts or overwrites key. A ttl <= 0 uses the configured default.
// When the cache is full, the entry closest to expiry is dropped if it has
// already expired; otherwise the least recently used entry is evicted.
func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.cfg.Clock.Now()
	e := entry[V]{value: value, insertedAt: now, lastUsedAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lru.Contains(key) && c.lru.Len() >= c.cfg.Capacity {
		if next, at, ok := c.expiry.next(); ok && now.After(at) {
			c.lru.Remove(next)
			c.stats.Expirations++
		} else if _, _, ok := c.lru.RemoveOldest(); ok {
			c.stats.Evictions++
		}
	}
	c.lru.Add(key, e)
	c.expiry.set(key, e.expiresAt)
}

// Invalidate removes key if present.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns a copy of the counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Len = c.lru.Len()
	return s
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *Cache[K, V]) Sweep() int {
	now := c.cfg.Clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeExpiredLocked(now)
}

// RunJanitor sweeps every interval until ctx ends.
func (c *Cache[K, V]) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache[K, V]) removeExpiredLocked(now time.Time) int {
	removed := 0
	for {
		key, at, ok := c.expiry.next()
		if !ok || !now.After(at) {
			break
		}
		c.lru.Remove(key)
		c.expiry.remove(key)
		removed++
	}
	c.stats.Expirations += uint64(removed)
	return removed
}
