// Package worker runs dispatch tasks through their state machine: parse,
// de-dup, classify, resolve the destination, and submit with bounded retry
// through the pooled, rate-limited, breaker-guarded downstream session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/system"
	"github.com/JakeFAU/magnet-dispatcher/internal/magnet"
	"github.com/JakeFAU/magnet-dispatcher/internal/metrics"
	"github.com/JakeFAU/magnet-dispatcher/internal/policy/breaker"
	"github.com/JakeFAU/magnet-dispatcher/internal/policy/ratelimit"
	"github.com/JakeFAU/magnet-dispatcher/internal/policy/retry"
	"github.com/JakeFAU/magnet-dispatcher/internal/pool"
	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
	"github.com/JakeFAU/magnet-dispatcher/internal/telemetry"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Classifier picks a category for a display name.
type Classifier interface {
	Classify(ctx context.Context, name string, candidates []torrent.Category) torrent.Classification
}

// Tracker owns the live task records. Update applies fn under the owner's
// lock and returns the resulting snapshot.
type Tracker interface {
	Update(id string, fn func(*torrent.Task)) torrent.Task
	Notify(evt progress.Event)
}

// Settings are read once per task so a config reload applies to the next task.
type Settings struct {
	Categories      []torrent.Category
	DefaultCategory string
	Paths           PathMapper
	AddPaused       bool
}

// Deps wires a Processor to its collaborators.
type Deps struct {
	Pool       *pool.Pool[torrent.Session]
	Limiter    *ratelimit.Limiter
	Breaker    *breaker.Breaker
	Retry      *retry.Policy
	Pauser     retry.Pauser
	Classifier Classifier
	Dedup      torrent.DedupStore
	Inflight   *Inflight
	Settings   func() Settings
	Tracker    Tracker
	Clock      torrent.Clock
	Logger     *zap.Logger
}

// Processor executes one task at a time per call; it is safe for concurrent use.
type Processor struct {
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer

	// destinations memoizes (category, path) pairs already provisioned.
	destinations sync.Map
}

// NewProcessor validates deps and fills defaults.
func NewProcessor(deps Deps) (*Processor, error) {
	switch {
	case deps.Pool == nil:
		return nil, errors.New("worker: pool is required")
	case deps.Classifier == nil:
		return nil, errors.New("worker: classifier is required")
	case deps.Dedup == nil:
		return nil, errors.New("worker: dedup store is required")
	case deps.Tracker == nil:
		return nil, errors.New("worker: tracker is required")
	case deps.Settings == nil:
		return nil, errors.New("worker: settings accessor is required")
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Config{})
	}
	if deps.Breaker == nil {
		deps.Breaker = breaker.New(breaker.Config{IsFailure: torrent.IsDownstreamFailure})
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.Config{})
	}
	if deps.Pauser == nil {
		deps.Pauser = retry.TimerPauser{}
	}
	if deps.Inflight == nil {
		deps.Inflight = NewInflight()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{deps: deps, logger: logger, tracer: telemetry.Tracer()}, nil
}

// Process drives the task named by item to a terminal state.
func (p *Processor) Process(ctx context.Context, item torrent.QueueItem) torrent.Task {
	ctx, span := p.tracer.Start(ctx, "worker.Process", trace.WithAttributes(
		attribute.String("task.id", item.TaskID),
		attribute.String("task.source", item.Source),
	))
	defer span.End()

	final := p.run(ctx, item)
	span.SetAttributes(
		attribute.String("task.state", string(final.State)),
		attribute.String("task.category", final.Category),
		attribute.Int("task.attempts", final.AttemptCount),
	)
	if final.State == torrent.StateFailed {
		span.SetStatus(codes.Error, string(final.LastError))
	}
	return final
}

func (p *Processor) run(ctx context.Context, item torrent.QueueItem) torrent.Task {
	settings := p.deps.Settings()

	ident, err := magnet.Parse(item.RawText, item.DiscoveredAt)
	if err != nil {
		return p.fail(item.TaskID, err, 0)
	}
	p.update(item.TaskID, func(t *torrent.Task) {
		t.Identifier = ident
		t.State = torrent.StateParsed
	})

	release, waited, err := p.deps.Inflight.Acquire(ctx, ident.ContentHash)
	if err != nil {
		return p.fail(item.TaskID, err, 0)
	}
	defer release()
	if waited {
		p.logger.Debug("waited for in-flight task with same hash",
			zap.String("task_id", item.TaskID), zap.String("content_hash", ident.ContentHash))
	}

	known, err := p.deps.Dedup.Contains(ctx, ident.ContentHash)
	if err != nil {
		// The downstream still rejects duplicates, so a broken known-set only
		// costs a submit.
		p.logger.Warn("dedup lookup failed; continuing",
			zap.String("task_id", item.TaskID), zap.String("content_hash", ident.ContentHash), zap.Error(err))
	}
	if known {
		return p.finish(item.TaskID, torrent.StateDuplicateSkipped, nil)
	}
	p.update(item.TaskID, func(t *torrent.Task) { t.State = torrent.StateDedupChecked })

	result := p.deps.Classifier.Classify(ctx, ident.DisplayName, settings.Categories)
	category := lookupCategory(settings, result.Category)
	p.update(item.TaskID, func(t *torrent.Task) {
		t.Category = category.Name
		t.ClassificationMethod = result.Method
		t.State = torrent.StateClassified
	})

	dest := settings.Paths.Resolve(category.Name, category.SavePath)
	p.update(item.TaskID, func(t *torrent.Task) {
		t.DestinationPath = dest
		t.State = torrent.StatePathResolved
	})

	req := torrent.SubmitRequest{
		Magnet:   ident.RawText,
		Hash:     ident.ContentHash,
		Name:     ident.DisplayName,
		Category: category.Name,
		SavePath: dest,
		Paused:   settings.AddPaused,
	}
	return p.submit(ctx, item.TaskID, req)
}

// submit is the retry loop. At most 1+MaxRetries attempts are made.
func (p *Processor) submit(ctx context.Context, id string, req torrent.SubmitRequest) torrent.Task {
	for attempt := 1; ; attempt++ {
		p.update(id, func(t *torrent.Task) {
			t.State = torrent.StateSubmitting
			t.AttemptCount = attempt
		})

		err := p.attempt(ctx, req)
		switch {
		case err == nil:
			metrics.ObserveSubmitAttempt("success")
			p.remember(ctx, id, req.Hash)
			return p.finish(id, torrent.StateSucceeded, nil)
		case errors.Is(err, torrent.ErrDuplicate):
			metrics.ObserveSubmitAttempt(string(torrent.KindDuplicate))
			p.remember(ctx, id, req.Hash)
			return p.finish(id, torrent.StateDuplicateSkipped, nil)
		}
		kind := torrent.KindOf(err)
		metrics.ObserveSubmitAttempt(string(kind))

		if ctx.Err() != nil || !p.deps.Retry.ShouldRetry(err, attempt) {
			return p.fail(id, err, attempt)
		}
		delay := p.deps.Retry.Backoff(attempt, err)
		snap := p.update(id, func(t *torrent.Task) {
			t.LastError = kind
			t.LastErrorText = err.Error()
		})
		p.logger.Info("submit failed; retrying",
			zap.String("task_id", id),
			zap.String("content_hash", req.Hash),
			zap.String("category", req.Category),
			zap.Int("attempt", attempt),
			zap.String("error_kind", string(kind)),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		evt := progress.ForTask(snap, p.deps.Clock.Now())
		evt.Type = progress.TypeRetry
		evt.Attempt = attempt
		evt.Note = fmt.Sprintf("retry in %s: %v", delay, err)
		p.deps.Tracker.Notify(evt)

		if err := p.deps.Pauser.Pause(ctx, delay); err != nil {
			return p.fail(id, err, attempt)
		}
	}
}

// attempt makes one submit: lease a write handle, pass the rate limiter,
// then call through the breaker.
func (p *Processor) attempt(ctx context.Context, req torrent.SubmitRequest) error {
	start := time.Now()
	lease, err := p.deps.Pool.Acquire(ctx, pool.TierWrite)
	if err != nil {
		metrics.ObservePoolAcquire(string(pool.TierWrite), string(torrent.KindOf(err)), time.Since(start))
		return err
	}
	metrics.ObservePoolAcquire(string(pool.TierWrite), "ok", time.Since(start))
	defer lease.Release()

	if err := p.deps.Limiter.Acquire(ctx, 1, 0); err != nil {
		return err
	}
	err = p.deps.Breaker.Call(ctx, func(ctx context.Context) error {
		session := lease.Handle()
		if err := p.ensureDestination(ctx, session, req.Category, req.SavePath); err != nil {
			return err
		}
		return session.Submit(ctx, req)
	})
	if kind := torrent.KindOf(err); kind == torrent.KindNetwork || kind == torrent.KindTimeout {
		lease.MarkUnhealthy()
	}
	return err
}

func (p *Processor) ensureDestination(ctx context.Context, session torrent.Session, category, path string) error {
	if category == "" {
		return nil
	}
	key := category + "\x00" + path
	if _, ok := p.destinations.Load(key); ok {
		return nil
	}
	if err := session.CreateDestination(ctx, category, path); err != nil {
		return fmt.Errorf("provision %s: %w", category, err)
	}
	p.destinations.Store(key, struct{}{})
	return nil
}

// ForgetDestinations drops the provisioning memo, e.g. after a config reload
// changed save paths.
func (p *Processor) ForgetDestinations() {
	p.destinations.Range(func(k, _ any) bool {
		p.destinations.Delete(k)
		return true
	})
}

func (p *Processor) remember(ctx context.Context, id, hash string) {
	if err := p.deps.Dedup.Add(ctx, hash); err != nil {
		p.logger.Warn("record known hash failed",
			zap.String("task_id", id), zap.String("content_hash", hash), zap.Error(err))
	}
}

// SeedKnownHashes loads the downstream's known hashes into the de-dup store
// using a read-tier handle.
func (p *Processor) SeedKnownHashes(ctx context.Context) (int, error) {
	lease, err := p.deps.Pool.Acquire(ctx, pool.TierRead)
	if err != nil {
		return 0, err
	}
	defer lease.Release()

	var hashes []string
	err = p.deps.Breaker.Call(ctx, func(ctx context.Context) error {
		var callErr error
		hashes, callErr = lease.Handle().KnownHashes(ctx)
		return callErr
	})
	if err != nil {
		if kind := torrent.KindOf(err); kind == torrent.KindNetwork || kind == torrent.KindTimeout {
			lease.MarkUnhealthy()
		}
		return 0, fmt.Errorf("fetch known hashes: %w", err)
	}
	if err := p.deps.Dedup.Seed(ctx, hashes); err != nil {
		return 0, fmt.Errorf("seed dedup: %w", err)
	}
	return len(hashes), nil
}

func (p *Processor) update(id string, fn func(*torrent.Task)) torrent.Task {
	return p.deps.Tracker.Update(id, fn)
}

func (p *Processor) finish(id string, state torrent.State, err error) torrent.Task {
	return p.update(id, func(t *torrent.Task) {
		t.State = state
		if err != nil {
			t.LastError = torrent.KindOf(err)
			t.LastErrorText = err.Error()
		}
	})
}

// fail records a terminal failure with full diagnostic context.
func (p *Processor) fail(id string, err error, attempt int) torrent.Task {
	snap := p.finish(id, torrent.StateFailed, err)
	fields := []zap.Field{
		zap.String("task_id", id),
		zap.String("content_hash", snap.Identifier.ContentHash),
		zap.String("category", snap.Category),
		zap.Int("attempt", attempt),
		zap.String("error_kind", string(snap.LastError)),
		zap.Error(err),
	}
	if snap.LastError == torrent.KindParse || snap.LastError == torrent.KindCanceled {
		p.logger.Info("task failed", fields...)
	} else {
		p.logger.Warn("task failed", fields...)
	}
	return snap
}

// lookupCategory finds name among the candidates, falling back to the
// default category and finally to a bare category with no save path.
func lookupCategory(s Settings, name string) torrent.Category {
	for _, c := range s.Categories {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	for _, c := range s.Categories {
		if strings.EqualFold(c.Name, s.DefaultCategory) {
			return c
		}
	}
	if name == "" {
		name = s.DefaultCategory
	}
	return torrent.Category{Name: name}
}
