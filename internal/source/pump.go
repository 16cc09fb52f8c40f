package source

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/magnet-dispatcher/internal/batcher"
	"github.com/JakeFAU/magnet-dispatcher/internal/hash/sha256"
	"github.com/JakeFAU/magnet-dispatcher/internal/magnet"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

const defaultSuppressTTL = 10 * time.Minute

// Adder accepts raw magnet text for batching.
type Adder interface {
	Add(ctx context.Context, item batcher.Item) error
}

// PumpStats counts what the pump has seen.
type PumpStats struct {
	Snapshots  int64 `json:"snapshots"`
	Suppressed int64 `json:"suppressed"`
	Links      int64 `json:"links"`
	Rejected   int64 `json:"rejected"`
}

// Pump fans snapshots in from every source, drops snapshots seen within the
// suppression window, extracts magnet links and forwards each one to the
// batcher.
type Pump struct {
	adder  Adder
	seen   *gocache.Cache
	hasher torrent.Hasher
	logger *zap.Logger

	snapshots  atomic.Int64
	suppressed atomic.Int64
	links      atomic.Int64
	rejected   atomic.Int64
}

// NewPump builds a pump. A zero suppressTTL uses ten minutes.
func NewPump(adder Adder, suppressTTL time.Duration, logger *zap.Logger) (*Pump, error) {
	if adder == nil {
		return nil, errors.New("pump: adder is required")
	}
	if suppressTTL <= 0 {
		suppressTTL = defaultSuppressTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pump{
		adder:  adder,
		seen:   gocache.New(suppressTTL, 2*suppressTTL),
		hasher: sha256.New(),
		logger: logger,
	}, nil
}

// Run starts every source and handles their snapshots until ctx ends or a
// source fails.
func (p *Pump) Run(ctx context.Context, sources ...Source) error {
	if len(sources) == 0 {
		<-ctx.Done()
		return nil
	}
	out := make(chan Snapshot, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			p.logger.Info("source started", zap.String("source", src.Name()))
			if err := src.Run(gctx, out); err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			p.logger.Info("source finished", zap.String("source", src.Name()))
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	for {
		select {
		case snap := <-out:
			if err := p.Handle(gctx, snap); err != nil && gctx.Err() == nil {
				p.logger.Warn("snapshot not forwarded", zap.String("source", snap.Source), zap.Error(err))
			}
		case <-done:
			// Pick up anything emitted right before the last source returned.
			for {
				select {
				case snap := <-out:
					_ = p.Handle(ctx, snap)
				default:
					return g.Wait()
				}
			}
		}
	}
}

// Handle processes one snapshot.
func (p *Pump) Handle(ctx context.Context, snap Snapshot) error {
	p.snapshots.Add(1)
	key, err := p.hasher.Hash([]byte(snap.Text))
	if err != nil {
		key = snap.Text
	}
	if err := p.seen.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
		p.suppressed.Add(1)
		return nil
	}
	links := magnet.Extract(snap.Text)
	if len(links) == 0 {
		p.logger.Debug("snapshot without magnet links", zap.String("source", snap.Source))
		return nil
	}
	var errs []error
	for _, link := range links {
		err := p.adder.Add(ctx, batcher.Item{Raw: link, Source: snap.Source, DiscoveredAt: snap.DiscoveredAt})
		if err != nil {
			p.rejected.Add(1)
			errs = append(errs, err)
			continue
		}
		p.links.Add(1)
	}
	if len(errs) > 0 {
		// Let the same text through again once the batcher takes items.
		p.seen.Delete(key)
	}
	return errors.Join(errs...)
}

// Stats returns the counters.
func (p *Pump) Stats() PumpStats {
	return PumpStats{
		Snapshots:  p.snapshots.Load(),
		Suppressed: p.suppressed.Load(),
		Links:      p.links.Load(),
		Rejected:   p.rejected.Load(),
	}
}
