// Package pool hands out bounded, reusable handles grouped by tier. Handles
// are created lazily up to each tier's capacity, health-checked before reuse
// when stale, replaced when unhealthy, and closed on shutdown.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/system"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Tier partitions handles by the kind of work they serve.
type Tier string

// Supported tiers.
const (
	TierRead  Tier = "read"
	TierWrite Tier = "write"
	TierAPI   Tier = "api"
)

// Handle is anything the pool can health-check and close.
type Handle interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates a fresh handle for tier.
type Factory[H Handle] func(ctx context.Context, tier Tier) (H, error)

// Config controls pool sizing and health checks.
//   - Sizes: capacity per tier; tiers absent from the map cannot be acquired.
//   - AcquireTimeout: longest Acquire waits for a free slot before failing
//     with torrent.ErrResourceExhausted (default 5s).
//   - HealthCheckInterval: idle handles older than this are pinged before
//     reuse; zero disables checks.
//   - HealthCheckTimeout: bound on each ping (default 5s).
type Config struct {
	Sizes               map[Tier]int
	AcquireTimeout      time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	Clock               torrent.Clock
	Logger              *zap.Logger
}

const (
	defaultAcquireTimeout     = 5 * time.Second
	defaultHealthCheckTimeout = 5 * time.Second
)

var errUnknownTier = errors.New("unknown pool tier")

type slot[H Handle] struct {
	handle          H
	tier            Tier
	createdAt       time.Time
	lastHealthCheck time.Time
}

type tierState[H Handle] struct {
	tokens chan struct{}
	idle   []*slot[H]
	inUse  int
}

// Pool is safe for concurrent use.
type Pool[H Handle] struct {
	factory Factory[H]
	cfg     Config
	logger  *zap.Logger

	mu     sync.Mutex
	tiers  map[Tier]*tierState[H]
	closed bool
}

// Stats is a point-in-time view of one tier.
type Stats struct {
	Tier     Tier `json:"tier"`
	Capacity int  `json:"capacity"`
	InUse    int  `json:"in_use"`
	Idle     int  `json:"idle"`
}

// New builds a Pool. No handles are created until the first Acquire.
func New[H Handle](factory Factory[H], cfg Config) *Pool[H] {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool[H]{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		tiers:   make(map[Tier]*tierState[H], len(cfg.Sizes)),
	}
	for tier, size := range cfg.Sizes {
		if size <= 0 {
			continue
		}
		p.tiers[tier] = &tierState[H]{tokens: make(chan struct{}, size)}
	}
	return p
}

// Lease is a handle held by exactly one caller until Release.
type Lease[H Handle] struct {
	pool      *Pool[H]
	slot      *slot[H]
	unhealthy bool
	once      sync.Once
}

// Handle returns the leased handle.
func (l *Lease[H]) Handle() H {
	return l.slot.handle
}

// Tier reports which tier the lease belongs to.
func (l *Lease[H]) Tier() Tier {
	return l.slot.tier
}

// MarkUnhealthy makes Release discard the handle instead of reusing it.
func (l *Lease[H]) MarkUnhealthy() {
	l.unhealthy = true
}

// Release returns the handle to the pool. It is safe to call more than once.
func (l *Lease[H]) Release() {
	l.once.Do(func() {
		l.pool.release(l.slot, l.unhealthy)
	})
}

// Acquire waits for a free slot of tier, bounded by ctx and AcquireTimeout.
func (p *Pool[H]) Acquire(ctx context.Context, tier Tier) (*Lease[H], error) {
	p.mu.Lock()
	state, ok := p.tiers[tier]
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("acquire %s handle: %w", tier, torrent.ErrClosed)
	}
	if !ok {
		return nil, fmt.Errorf("acquire %s handle: %w", tier, errUnknownTier)
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case state.tokens <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("acquire %s handle after %s: %w", tier, p.cfg.AcquireTimeout, torrent.ErrResourceExhausted)
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s handle: %w", tier, ctx.Err())
	}

	s, err := p.checkout(ctx, tier, state)
	if err != nil {
		<-state.tokens
		return nil, err
	}
	return &Lease[H]{pool: p, slot: s}, nil
}

// checkout runs with a token held. It reuses an idle slot when one passes
// its health check, otherwise creates a new handle.
func (p *Pool[H]) checkout(ctx context.Context, tier Tier, state *tierState[H]) (*slot[H], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire %s handle: %w", tier, torrent.ErrClosed)
		}
		var s *slot[H]
		if n := len(state.idle); n > 0 {
			s = state.idle[n-1]
			state.idle = state.idle[:n-1]
		}
		state.inUse++
		p.mu.Unlock()

		if s == nil {
			return p.create(ctx, tier, state)
		}
		if p.healthy(ctx, s) {
			return s, nil
		}
		p.discard(s, state)
	}
}

func (p *Pool[H]) create(ctx context.Context, tier Tier, state *tierState[H]) (*slot[H], error) {
	handle, err := p.factory(ctx, tier)
	if err != nil {
		p.mu.Lock()
		state.inUse--
		p.mu.Unlock()
		return nil, fmt.Errorf("create %s handle: %w", tier, err)
	}
	now := p.cfg.Clock.Now()
	return &slot[H]{handle: handle, tier: tier, createdAt: now, lastHealthCheck: now}, nil
}

func (p *Pool[H]) healthy(ctx context.Context, s *slot[H]) bool {
	if p.cfg.HealthCheckInterval <= 0 {
		return true
	}
	now := p.cfg.Clock.Now()
	if now.Sub(s.lastHealthCheck) < p.cfg.HealthCheckInterval {
		return true
	}
	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
	defer cancel()
	if err := s.handle.Ping(pingCtx); err != nil {
		p.logger.Warn("pooled handle failed health check",
			zap.String("tier", string(s.tier)),
			zap.Error(fmt.Errorf("%w: %w", torrent.ErrResourceUnhealthy, err)),
		)
		return false
	}
	s.lastHealthCheck = now
	return true
}

// discard closes s and gives back its in-use count; the caller keeps its token.
func (p *Pool[H]) discard(s *slot[H], state *tierState[H]) {
	if err := s.handle.Close(); err != nil {
		p.logger.Debug("close pooled handle", zap.String("tier", string(s.tier)), zap.Error(err))
	}
	p.mu.Lock()
	state.inUse--
	p.mu.Unlock()
}

func (p *Pool[H]) release(s *slot[H], unhealthy bool) {
	p.mu.Lock()
	state := p.tiers[s.tier]
	state.inUse--
	keep := !unhealthy && !p.closed
	if keep {
		state.idle = append(state.idle, s)
	}
	p.mu.Unlock()
	if !keep {
		if err := s.handle.Close(); err != nil {
			p.logger.Debug("close pooled handle", zap.String("tier", string(s.tier)), zap.Error(err))
		}
	}
	<-state.tokens
}

// Stats returns a snapshot per tier.
func (p *Pool[H]) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stats, 0, len(p.tiers))
	for _, tier := range []Tier{TierRead, TierWrite, TierAPI} {
		state, ok := p.tiers[tier]
		if !ok {
			continue
		}
		out = append(out, Stats{Tier: tier, Capacity: cap(state.tokens), InUse: state.inUse, Idle: len(state.idle)})
	}
	return out
}

// Shutdown stops new acquisitions, waits for every outstanding lease to be
// released (bounded by ctx), and closes all handles. Leases released after
// Shutdown returns close their handle instead of pooling it.
func (p *Pool[H]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var waitErr error
	held := make(map[Tier]int, len(p.tiers))
drain:
	for tier, state := range p.tiers {
		for held[tier] < cap(state.tokens) {
			select {
			case state.tokens <- struct{}{}:
				held[tier]++
			case <-ctx.Done():
				waitErr = fmt.Errorf("pool shutdown wait: %w", ctx.Err())
				break drain
			}
		}
	}

	p.mu.Lock()
	var idle []*slot[H]
	for _, state := range p.tiers {
		idle = append(idle, state.idle...)
		state.idle = nil
	}
	p.mu.Unlock()
	var errs []error
	for _, s := range idle {
		if err := s.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s handle: %w", s.tier, err))
		}
	}
	for tier, n := range held {
		state := p.tiers[tier]
		for i := 0; i < n; i++ {
			<-state.tokens
		}
	}
	if waitErr != nil {
		errs = append(errs, waitErr)
	}
	return errors.Join(errs...)
}
