// Package retry holds the exponential backoff policy for downstream submits
// and the pause primitive used to wait between attempts.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Policy decides whether and when to retry a failed submit.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	jitter     bool
}

// Config mirrors the dispatch retry settings.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter spreads each delay uniformly over [delay/2, delay).
	Jitter bool
}

// New builds a Policy with defaults for unset fields.
func New(cfg Config) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Policy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		jitter:     cfg.Jitter,
	}
}

// MaxRetries is the number of retries allowed after the first attempt.
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry reports whether another attempt is allowed after failures
// failed attempts ended with err.
func (p *Policy) ShouldRetry(err error, failures int) bool {
	if err == nil || failures > p.maxRetries {
		return false
	}
	return torrent.Retryable(err)
}

// Backoff returns the wait before retry number retry (1-based):
// base * 2^(retry-1), capped at the max delay. Circuit-open errors wait at
// least until the breaker will admit a probe.
func (p *Policy) Backoff(retry int, err error) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(retry-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	d := time.Duration(delay)
	if p.jitter {
		d = d/2 + randomJitter(d/2)
	}
	var open *torrent.CircuitOpenError
	if errors.As(err, &open) && open.RetryAfter > d {
		d = open.RetryAfter
	}
	return d
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Pauser waits between attempts.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// TimerPauser sleeps on a timer, returning early with ctx's error.
type TimerPauser struct{}

// Pause blocks for delay or until ctx ends.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
