package worker

import (
	"context"
	"fmt"
	"sync"
)

// Inflight serializes work per content hash. Holders of a hash's marker are
// the only ones allowed to check de-dup and submit that hash.
type Inflight struct {
	mu      sync.Mutex
	markers map[string]chan struct{}
}

// NewInflight returns an empty marker set.
func NewInflight() *Inflight {
	return &Inflight{markers: make(map[string]chan struct{})}
}

// Acquire takes the marker for hash, waiting while another task holds it.
// waited reports whether the caller had to wait. The returned release must
// be called exactly once.
func (f *Inflight) Acquire(ctx context.Context, hash string) (release func(), waited bool, err error) {
	for {
		f.mu.Lock()
		held, busy := f.markers[hash]
		if !busy {
			done := make(chan struct{})
			f.markers[hash] = done
			f.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					f.mu.Lock()
					delete(f.markers, hash)
					f.mu.Unlock()
					close(done)
				})
			}, waited, nil
		}
		f.mu.Unlock()

		waited = true
		select {
		case <-held:
		case <-ctx.Done():
			return nil, waited, fmt.Errorf("wait for in-flight %s: %w", hash, ctx.Err())
		}
	}
}

// Len reports how many hashes are currently held.
func (f *Inflight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markers)
}
