// Package dedup remembers content hashes already known downstream.
package dedup

import (
	"context"
	"strings"
	"time"

	"github.com/JakeFAU/magnet-dispatcher/internal/cache"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// MemoryStore keeps known hashes in a bounded TTL/LRU cache.
type MemoryStore struct {
	known *cache.Cache[string, struct{}]
	ttl   time.Duration
}

// NewMemoryStore builds a store holding up to capacity hashes for ttl each.
func NewMemoryStore(capacity int, ttl time.Duration, clock torrent.Clock) *MemoryStore {
	return &MemoryStore{
		known: cache.New[string, struct{}](cache.Config{Capacity: capacity, DefaultTTL: ttl, Clock: clock}),
		ttl:   ttl,
	}
}

// Contains reports whether hash was recorded and has not expired.
func (m *MemoryStore) Contains(_ context.Context, hash string) (bool, error) {
	_, ok := m.known.Get(normalize(hash))
	return ok, nil
}

// Add records hash.
func (m *MemoryStore) Add(_ context.Context, hash string) error {
	m.known.Set(normalize(hash), struct{}{}, m.ttl)
	return nil
}

// Seed records every hash in hashes.
func (m *MemoryStore) Seed(_ context.Context, hashes []string) error {
	for _, h := range hashes {
		m.known.Set(normalize(h), struct{}{}, m.ttl)
	}
	return nil
}

// Stats exposes the underlying cache counters.
func (m *MemoryStore) Stats() cache.Stats {
	return m.known.Stats()
}

// Sweep drops expired hashes.
func (m *MemoryStore) Sweep() int {
	return m.known.Sweep()
}

// RunJanitor sweeps every interval until ctx ends.
func (m *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) {
	m.known.RunJanitor(ctx, interval)
}

func normalize(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
