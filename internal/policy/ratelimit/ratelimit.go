// Package ratelimit implements a fixed-window limiter for outbound calls to a
// downstream endpoint. The counter resets to full capacity at wall-clock
// boundaries that are multiples of the window; unused tokens do not carry
// over.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/system"
	"github.com/JakeFAU/magnet-dispatcher/internal/metrics"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Config holds limiter configuration.
type Config struct {
	// Endpoint labels metrics and errors.
	Endpoint string
	// Capacity is the number of tokens per window.
	Capacity int
	// Window is the fixed window length.
	Window time.Duration
	// AcquireTimeout bounds Acquire when the caller passes no timeout.
	AcquireTimeout time.Duration
	Clock          torrent.Clock
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg Config

	mu          sync.Mutex
	windowStart time.Time
	used        int
}

// New creates a Limiter. Capacity <= 0 disables limiting.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "default"
	}
	return &Limiter{cfg: cfg}
}

// TryAcquire takes n tokens from the current window if they are all available.
func (l *Limiter) TryAcquire(n int) bool {
	ok, _ := l.take(n)
	return ok
}

// take returns whether n tokens were taken and, if not, how long until the
// next window opens.
func (l *Limiter) take(n int) (bool, time.Duration) {
	if l.cfg.Capacity <= 0 || n <= 0 {
		return true, 0
	}
	now := l.cfg.Clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	start := now.Truncate(l.cfg.Window)
	if !start.Equal(l.windowStart) {
		l.windowStart = start
		l.used = 0
	}
	if l.used+n <= l.cfg.Capacity {
		l.used += n
		return true, 0
	}
	return false, start.Add(l.cfg.Window).Sub(now)
}

// Acquire waits until n tokens are available or timeout elapses, failing with
// torrent.ErrRateLimitExceeded. A timeout <= 0 uses Config.AcquireTimeout;
// if that is also zero Acquire does not wait at all.
func (l *Limiter) Acquire(ctx context.Context, n int, timeout time.Duration) error {
	if l.cfg.Capacity > 0 && n > l.cfg.Capacity {
		return fmt.Errorf("%s: %d tokens exceed capacity %d: %w", l.cfg.Endpoint, n, l.cfg.Capacity, torrent.ErrRateLimitExceeded)
	}
	if timeout <= 0 {
		timeout = l.cfg.AcquireTimeout
	}
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		ok, wait := l.take(n)
		if ok {
			if waited := time.Since(start); waited > time.Millisecond {
				metrics.ObserveRateLimitDelay(l.cfg.Endpoint, waited)
			}
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.ObserveRateLimitRejection(l.cfg.Endpoint)
			return fmt.Errorf("%s: %w", l.cfg.Endpoint, torrent.ErrRateLimitExceeded)
		}
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Snapshot reports usage in the current window.
type Snapshot struct {
	Endpoint    string    `json:"endpoint"`
	Capacity    int       `json:"capacity"`
	Used        int       `json:"used"`
	WindowStart time.Time `json:"window_start"`
	Window      string    `json:"window"`
}

// Snapshot returns the limiter's current window state.
func (l *Limiter) Snapshot() Snapshot {
	now := l.cfg.Clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	used := l.used
	if !now.Truncate(l.cfg.Window).Equal(l.windowStart) {
		used = 0
	}
	return Snapshot{
		Endpoint:    l.cfg.Endpoint,
		Capacity:    l.cfg.Capacity,
		Used:        used,
		WindowStart: now.Truncate(l.cfg.Window),
		Window:      l.cfg.Window.String(),
	}
}
