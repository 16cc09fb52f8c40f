// Package batcher groups inbound raw texts and hands them to the dispatch
// engine in bounded batches. A batch goes out when it reaches the current
// target size or when its oldest item has waited Timeout. The target grows
// while the intake queue stays busy and shrinks while it stays quiet.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Item is one raw text waiting for dispatch.
type Item struct {
	Raw          string
	Source       string
	DiscoveredAt time.Time
}

// FlushFunc delivers one batch. Errors are logged and counted; the items are
// not retried.
type FlushFunc func(ctx context.Context, batch []Item) error

// Config controls sizing. Watermarks are fractions of QueueCapacity.
type Config struct {
	MinBatch      int
	MaxBatch      int
	InitialBatch  int
	Timeout       time.Duration
	QueueCapacity int
	HighWatermark float64
	LowWatermark  float64
	// AdjustAfter is how many consecutive flushes must see the same
	// occupancy band before the target moves.
	AdjustAfter  int
	FlushTimeout time.Duration
	BaseContext  context.Context
	Logger       *zap.Logger
}

const (
	defaultMinBatch      = 1
	defaultMaxBatch      = 50
	defaultTimeout       = 500 * time.Millisecond
	defaultHighWatermark = 0.75
	defaultLowWatermark  = 0.10
	defaultAdjustAfter   = 2
	defaultFlushTimeout  = time.Minute
)

// Stats describes the batcher since it started.
type Stats struct {
	Target   int   `json:"target"`
	Queued   int   `json:"queued"`
	Capacity int   `json:"capacity"`
	Accepted int64 `json:"accepted"`
	Flushes  int64 `json:"flushes"`
	Flushed  int64 `json:"flushed"`
	Failures int64 `json:"failures"`
}

// Batcher is safe for concurrent Add calls.
type Batcher struct {
	cfg    Config
	flush  FlushFunc
	items  chan Item
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	target   atomic.Int64
	accepted atomic.Int64
	flushes  atomic.Int64
	flushed  atomic.Int64
	failures atomic.Int64
	closed   atomic.Bool

	highStreak int
	lowStreak  int

	closeOnce sync.Once
}

// New starts the batching goroutine.
func New(cfg Config, flush FlushFunc) (*Batcher, error) {
	if flush == nil {
		return nil, errors.New("batcher: flush func is required")
	}
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = defaultMinBatch
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxBatch < cfg.MinBatch {
		return nil, fmt.Errorf("batcher: max batch %d below min batch %d", cfg.MaxBatch, cfg.MinBatch)
	}
	if cfg.InitialBatch < cfg.MinBatch || cfg.InitialBatch > cfg.MaxBatch {
		cfg.InitialBatch = cfg.MinBatch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QueueCapacity < cfg.MaxBatch {
		cfg.QueueCapacity = cfg.MaxBatch * 4
	}
	if cfg.HighWatermark <= 0 || cfg.HighWatermark > 1 {
		cfg.HighWatermark = defaultHighWatermark
	}
	if cfg.LowWatermark < 0 || cfg.LowWatermark >= cfg.HighWatermark {
		cfg.LowWatermark = defaultLowWatermark
	}
	if cfg.AdjustAfter <= 0 {
		cfg.AdjustAfter = defaultAdjustAfter
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Batcher{
		cfg:    cfg,
		flush:  flush,
		items:  make(chan Item, cfg.QueueCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	b.target.Store(int64(cfg.InitialBatch))
	go b.run()
	return b, nil
}

// Add queues item, waiting while the intake queue is full.
func (b *Batcher) Add(ctx context.Context, item Item) error {
	if b.closed.Load() {
		return fmt.Errorf("batcher add: %w", torrent.ErrClosed)
	}
	select {
	case b.items <- item:
		b.accepted.Add(1)
		return nil
	case <-b.stopCh:
		return fmt.Errorf("batcher add: %w", torrent.ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("batcher add: %w", ctx.Err())
	}
}

// Stats returns the current counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		Target:   int(b.target.Load()),
		Queued:   len(b.items),
		Capacity: cap(b.items),
		Accepted: b.accepted.Load(),
		Flushes:  b.flushes.Load(),
		Flushed:  b.flushed.Load(),
		Failures: b.failures.Load(),
	}
}

// Close stops intake, flushes everything queued, and waits for the final
// flush or ctx.
func (b *Batcher) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.stopCh)
	})
	select {
	case <-b.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batcher close: %w", ctx.Err())
	}
}

func (b *Batcher) run() {
	defer close(b.doneCh)
	batch := make([]Item, 0, b.cfg.MaxBatch)
	timer := newOldestTimer(b.cfg.Timeout)
	defer timer.disarm()
	for {
		select {
		case item := <-b.items:
			batch = append(batch, item)
			if len(batch) >= int(b.target.Load()) {
				batch = b.deliver(batch)
				timer.disarm()
			} else if !timer.armed {
				timer.arm()
			}
		case <-timer.C():
			timer.fired()
			batch = b.deliver(batch)
		case <-b.stopCh:
			b.drain(batch)
			return
		}
	}
}

func (b *Batcher) drain(batch []Item) {
	for {
		select {
		case item := <-b.items:
			batch = append(batch, item)
			if len(batch) >= b.cfg.MaxBatch {
				batch = b.deliver(batch)
			}
		default:
			b.deliver(batch)
			return
		}
	}
}

// deliver flushes a copy of batch, adapts the target, and returns batch
// emptied.
func (b *Batcher) deliver(batch []Item) []Item {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Item(nil), batch...)
	ctx, cancel := context.WithTimeout(b.cfg.BaseContext, b.cfg.FlushTimeout)
	err := b.call(ctx, out)
	cancel()
	if err != nil {
		b.failures.Add(1)
		b.logger.Warn("batch flush failed", zap.Int("items", len(out)), zap.Error(err))
	}
	b.adapt()
	b.flushed.Add(int64(len(out)))
	b.flushes.Add(1)
	return batch[:0]
}

func (b *Batcher) call(ctx context.Context, batch []Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush panic: %v", r)
		}
	}()
	return b.flush(ctx, batch)
}

// adapt moves the target after AdjustAfter consecutive flushes found the
// intake queue above the high watermark (double) or below the low one (halve).
func (b *Batcher) adapt() {
	occupancy := float64(len(b.items)) / float64(cap(b.items))
	switch {
	case occupancy >= b.cfg.HighWatermark:
		b.highStreak++
		b.lowStreak = 0
	case occupancy <= b.cfg.LowWatermark:
		b.lowStreak++
		b.highStreak = 0
	default:
		b.highStreak, b.lowStreak = 0, 0
		return
	}

	current := int(b.target.Load())
	next := current
	switch {
	case b.highStreak >= b.cfg.AdjustAfter:
		next = min(current*2, b.cfg.MaxBatch)
		b.highStreak = 0
	case b.lowStreak >= b.cfg.AdjustAfter:
		next = max(current/2, b.cfg.MinBatch)
		b.lowStreak = 0
	}
	if next != current {
		b.target.Store(int64(next))
		b.logger.Debug("batch target adjusted",
			zap.Int("from", current),
			zap.Int("to", next),
			zap.Float64("occupancy", occupancy))
	}
}

// oldestTimer tracks the deadline of the oldest unflushed item.
type oldestTimer struct {
	d     time.Duration
	t     *time.Timer
	armed bool
}

func newOldestTimer(d time.Duration) *oldestTimer {
	t := time.NewTimer(d)
	t.Stop()
	return &oldestTimer{d: d, t: t}
}

func (o *oldestTimer) C() <-chan time.Time { return o.t.C }

func (o *oldestTimer) arm() {
	o.disarm()
	o.t.Reset(o.d)
	o.armed = true
}

func (o *oldestTimer) fired() { o.armed = false }

func (o *oldestTimer) disarm() {
	if !o.armed {
		return
	}
	if !o.t.Stop() {
		select {
		case <-o.t.C:
		default:
		}
	}
	o.armed = false
}
