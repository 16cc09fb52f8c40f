// Package breaker isolates callers from a failing downstream with a
// three-state circuit breaker. Consecutive failures open the circuit; after
// the open timeout one probe call is let through, and its outcome closes or
// re-opens the circuit.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/system"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// State is the breaker position.
type State string

// Breaker states.
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
)

// Config controls when the breaker trips.
type Config struct {
	Endpoint         string
	FailureThreshold int
	OpenTimeout      time.Duration
	// IsFailure decides which errors count against the breaker. Defaults to
	// any non-nil error.
	IsFailure func(error) bool
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(endpoint string, from, to State)
	Clock         torrent.Clock
	Logger        *zap.Logger
}

// Breaker is safe for concurrent use. The lock guards counters and state
// only; fn always runs unlocked.
type Breaker struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// New builds a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{cfg: cfg, logger: logger, state: StateClosed}
}

// Call runs fn unless the circuit is open, in which case it returns a
// *torrent.CircuitOpenError without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	b.record(probe, callErr)
	return callErr
}

func (b *Breaker) admit() (bool, error) {
	now := b.cfg.Clock.Now()
	b.mu.Lock()
	var from, to State
	probe := false
	switch b.state {
	case StateOpen:
		remaining := b.openedAt.Add(b.cfg.OpenTimeout).Sub(now)
		if remaining > 0 {
			b.mu.Unlock()
			return false, &torrent.CircuitOpenError{Endpoint: b.cfg.Endpoint, RetryAfter: remaining}
		}
		from, to = b.state, StateHalfOpen
		b.state = StateHalfOpen
		b.probeInFlight = true
		probe = true
	case StateHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return false, &torrent.CircuitOpenError{Endpoint: b.cfg.Endpoint, RetryAfter: 0}
		}
		b.probeInFlight = true
		probe = true
	}
	b.mu.Unlock()
	b.notify(from, to)
	return probe, nil
}

func (b *Breaker) record(probe bool, err error) {
	failed := err != nil && b.cfg.IsFailure(err)
	now := b.cfg.Clock.Now()
	b.mu.Lock()
	from := b.state
	to := from
	if probe {
		b.probeInFlight = false
	}
	switch {
	case from == StateHalfOpen && probe:
		if failed {
			to = StateOpen
			b.openedAt = now
		} else {
			to = StateClosed
		}
		b.failures = 0
	case from == StateClosed:
		if !failed {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			to = StateOpen
			b.openedAt = now
			b.failures = 0
		}
	}
	b.state = to
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if from == to || to == "" {
		return
	}
	b.logger.Info("circuit breaker transition",
		zap.String("endpoint", b.cfg.Endpoint),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Endpoint, from, to)
	}
}

// State reports the current position without triggering transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Remaining is how long until an open circuit admits a probe; zero otherwise.
func (b *Breaker) Remaining() time.Duration {
	now := b.cfg.Clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	if d := b.openedAt.Add(b.cfg.OpenTimeout).Sub(now); d > 0 {
		return d
	}
	return 0
}

// Snapshot is a read-only view for status endpoints.
type Snapshot struct {
	Endpoint  string `json:"endpoint"`
	State     State  `json:"state"`
	Failures  int    `json:"consecutive_failures"`
	Threshold int    `json:"failure_threshold"`
	Remaining string `json:"open_remaining,omitempty"`
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	remaining := b.Remaining()
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Endpoint:  b.cfg.Endpoint,
		State:     b.state,
		Failures:  b.failures,
		Threshold: b.cfg.FailureThreshold,
	}
	if remaining > 0 {
		s.Remaining = remaining.String()
	}
	return s
}
