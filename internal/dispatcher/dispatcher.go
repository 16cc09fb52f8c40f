// Package dispatcher is the Dispatch Engine: it registers tasks, fans queued
// work out to workers, runs batches under a bounded concurrency limit, and
// owns every live task record.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/system"
	"github.com/JakeFAU/magnet-dispatcher/internal/id/uuid"
	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
	"github.com/JakeFAU/magnet-dispatcher/internal/worker"
)

// Queue is the bounded hand-off between SubmitOne and the workers.
type Queue interface {
	torrent.Queue
	Len() int
	Close()
	Drain() []torrent.QueueItem
}

// Config sizes the engine.
type Config struct {
	Workers          int
	BatchConcurrency int
	HistorySize      int
	ShutdownGrace    time.Duration
}

const (
	defaultWorkers          = 4
	defaultBatchConcurrency = 4
	defaultHistorySize      = 1000
	defaultShutdownGrace    = 10 * time.Second
)

// Deps wires the engine. Worker.Tracker is ignored; the engine tracks tasks
// itself.
type Deps struct {
	Worker  worker.Deps
	Queue   Queue
	IDs     torrent.IDGenerator
	Emitter progress.Emitter
	Clock   torrent.Clock
	Logger  *zap.Logger
}

var errShutdown = fmt.Errorf("dispatch engine shut down: %w", context.Canceled)

type record struct {
	task torrent.Task
	done chan struct{}
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg       Config
	queue     Queue
	processor *worker.Processor
	ids       torrent.IDGenerator
	emitter   progress.Emitter
	clock     torrent.Clock
	logger    *zap.Logger
	sem       *semaphore.Weighted

	runCtx    context.Context
	cancelRun context.CancelFunc
	active    sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*record
	counts  map[torrent.State]int
	history *historyRing
	started bool
	closed  bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds an Engine. Call Run to start the workers.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Queue == nil {
		return nil, errors.New("dispatcher: queue is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = defaultBatchConcurrency
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:     cfg,
		queue:   deps.Queue,
		ids:     deps.IDs,
		emitter: deps.Emitter,
		clock:   deps.Clock,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.BatchConcurrency)),
		tasks:   make(map[string]*record),
		counts:  make(map[torrent.State]int, len(torrent.States)),
		history: newHistoryRing(cfg.HistorySize),
	}
	e.runCtx, e.cancelRun = context.WithCancel(context.Background())

	workerDeps := deps.Worker
	workerDeps.Tracker = e
	if workerDeps.Clock == nil {
		workerDeps.Clock = deps.Clock
	}
	if workerDeps.Logger == nil {
		workerDeps.Logger = logger
	}
	processor, err := worker.NewProcessor(workerDeps)
	if err != nil {
		return nil, fmt.Errorf("build processor: %w", err)
	}
	e.processor = processor
	return e, nil
}

// Run starts the workers and blocks until ctx finishes, then shuts the engine
// down within the configured grace period.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed || e.started {
		e.mu.Unlock()
		return fmt.Errorf("run engine: %w", torrent.ErrClosed)
	}
	e.started = true
	e.active.Add(e.cfg.Workers)
	e.mu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		go func() {
			defer e.active.Done()
			worker.New(e.queue, e.processor, e.logger).Run(e.runCtx)
		}()
	}
	e.logger.Info("dispatch engine started",
		zap.Int("workers", e.cfg.Workers),
		zap.Int("batch_concurrency", e.cfg.BatchConcurrency))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.ShutdownGrace)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// SubmitOne registers raw and queues it for the workers. It blocks while the
// queue is full, bounded by ctx.
func (e *Engine) SubmitOne(ctx context.Context, raw, source string) (*TaskHandle, error) {
	handles, err := e.register([]torrent.Identifier{{RawText: raw}}, source, false)
	if err != nil {
		return nil, err
	}
	h := handles[0]
	item := e.queueItem(h)
	if err := e.queue.Enqueue(ctx, item); err != nil {
		e.abandon(h.ID, err)
		return nil, fmt.Errorf("queue task: %w", err)
	}
	return h, nil
}

// SubmitBatch registers every raw text and starts them with at most
// BatchConcurrency tasks of all batches running at once. It returns once every
// item has started; if ctx ends first, the items not yet started finish FAILED
// and ctx's error is returned alongside all handles.
func (e *Engine) SubmitBatch(ctx context.Context, raws []string, source string) ([]*TaskHandle, error) {
	idents := make([]torrent.Identifier, len(raws))
	for i, raw := range raws {
		idents[i] = torrent.Identifier{RawText: raw}
	}
	return e.SubmitDiscovered(ctx, idents, source)
}

// SubmitDiscovered is SubmitBatch for items that carry the time their source
// found them. A zero DiscoveredAt is stamped with the registration time.
func (e *Engine) SubmitDiscovered(ctx context.Context, idents []torrent.Identifier, source string) ([]*TaskHandle, error) {
	if len(idents) == 0 {
		return nil, nil
	}
	handles, err := e.register(idents, source, true)
	if err != nil {
		return nil, err
	}
	defer e.active.Done()

	var firstErr error
	for _, h := range handles {
		if firstErr == nil {
			firstErr = e.acquire(ctx)
		}
		if firstErr != nil {
			e.abandon(h.ID, firstErr)
			continue
		}
		item := e.queueItem(h)
		e.active.Add(1)
		go func() {
			defer e.active.Done()
			defer e.sem.Release(1)
			e.processor.Process(e.runCtx, item)
		}()
	}
	if firstErr != nil {
		return handles, fmt.Errorf("submit batch: %w", firstErr)
	}
	return handles, nil
}

// acquire takes a batch slot, giving up when either ctx or the engine ends.
func (e *Engine) acquire(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.runCtx, cancel)
	defer stop()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		if e.runCtx.Err() != nil {
			return errShutdown
		}
		return err
	}
	return nil
}

// register creates RECEIVED records for idents. With batch set it also reserves
// an active slot the caller must release, so Shutdown waits for the batch.
func (e *Engine) register(idents []torrent.Identifier, source string, batch bool) ([]*TaskHandle, error) {
	ids := make([]string, len(idents))
	for i := range idents {
		id, err := e.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("register task: %w", err)
		}
		ids[i] = id
	}
	now := e.clock.Now()
	handles := make([]*TaskHandle, len(idents))
	snaps := make([]torrent.Task, len(idents))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("register task: %w", torrent.ErrClosed)
	}
	for i, ident := range idents {
		discovered := ident.DiscoveredAt
		if discovered.IsZero() {
			discovered = now
		}
		rec := &record{
			task: torrent.Task{
				ID:         ids[i],
				Identifier: torrent.Identifier{RawText: ident.RawText, DiscoveredAt: discovered},
				State:      torrent.StateReceived,
				Source:     source,
				CreatedAt:  now,
				UpdatedAt:  now,
			},
			done: make(chan struct{}),
		}
		e.tasks[rec.task.ID] = rec
		e.counts[torrent.StateReceived]++
		handles[i] = &TaskHandle{ID: rec.task.ID, engine: e, rec: rec}
		snaps[i] = rec.task.Clone()
	}
	if batch {
		e.active.Add(1)
	}
	e.mu.Unlock()

	for _, snap := range snaps {
		e.emitter.Emit(progress.ForTask(snap, now))
	}
	return handles, nil
}

func (e *Engine) queueItem(h *TaskHandle) torrent.QueueItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := h.rec.task
	return torrent.QueueItem{
		TaskID:       t.ID,
		RawText:      t.Identifier.RawText,
		Source:       t.Source,
		DiscoveredAt: t.Identifier.DiscoveredAt,
	}
}

// abandon fails a task that never reached a worker.
func (e *Engine) abandon(id string, err error) {
	e.Update(id, func(t *torrent.Task) {
		t.State = torrent.StateFailed
		t.LastError = torrent.KindOf(err)
		t.LastErrorText = err.Error()
	})
}

// Update applies fn to the live record for id and emits a transition event
// when the state changed. Terminal records are frozen.
func (e *Engine) Update(id string, fn func(*torrent.Task)) torrent.Task {
	now := e.clock.Now()
	e.mu.Lock()
	rec, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return torrent.Task{ID: id}
	}
	prev := rec.task.State
	if prev.Terminal() {
		snap := rec.task.Clone()
		e.mu.Unlock()
		return snap
	}
	fn(&rec.task)
	rec.task.ID = id
	rec.task.UpdatedAt = now
	next := rec.task.State
	if next != prev {
		e.counts[prev]--
		e.counts[next]++
	}
	if next.Terminal() {
		finished := now
		rec.task.FinishedAt = &finished
		close(rec.done)
		if evicted, ok := e.history.push(id); ok {
			e.evictLocked(evicted)
		}
	}
	snap := rec.task.Clone()
	e.mu.Unlock()

	if next != prev {
		e.emitter.Emit(progress.ForTask(snap, now))
	}
	return snap
}

func (e *Engine) evictLocked(id string) {
	rec, ok := e.tasks[id]
	if !ok {
		return
	}
	e.counts[rec.task.State]--
	delete(e.tasks, id)
}

// Notify forwards a non-transition event such as a retry.
func (e *Engine) Notify(evt progress.Event) {
	e.emitter.Emit(evt)
}

// Status returns counts by state. Counts always sum to Tracked.
func (e *Engine) Status() torrent.StatusReport {
	now := e.clock.Now()
	e.mu.Lock()
	counts := make(map[torrent.State]int, len(torrent.States))
	for _, s := range torrent.States {
		counts[s] = e.counts[s]
	}
	tracked := len(e.tasks)
	e.mu.Unlock()
	return torrent.StatusReport{
		Counts:    counts,
		Tracked:   tracked,
		QueueLen:  e.queue.Len(),
		Generated: now,
	}
}

// History returns up to limit terminal tasks, newest first. limit <= 0
// returns everything retained.
func (e *Engine) History(limit int) []torrent.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.history.newestFirst(limit)
	out := make([]torrent.Task, 0, len(ids))
	for _, id := range ids {
		if rec, ok := e.tasks[id]; ok {
			out = append(out, rec.task.Clone())
		}
	}
	return out
}

// Task returns the snapshot for id.
func (e *Engine) Task(id string) (torrent.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.tasks[id]
	if !ok {
		return torrent.Task{}, fmt.Errorf("task %s: %w", id, torrent.ErrNotFound)
	}
	return rec.task.Clone(), nil
}

// SeedKnownHashes refreshes the de-dup set from the downstream.
func (e *Engine) SeedKnownHashes(ctx context.Context) (int, error) {
	return e.processor.SeedKnownHashes(ctx)
}

// ResetDestinations forgets which destinations were provisioned, so changed
// save paths are created again.
func (e *Engine) ResetDestinations() {
	e.processor.ForgetDestinations()
}

// Shutdown stops intake, gives running and queued tasks the grace period to
// finish, then cancels them. Every task is terminal when Shutdown returns nil.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.shutdownErr = e.shutdown(ctx)
	})
	return e.shutdownErr
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.queue.Close()

	idle := make(chan struct{})
	go func() {
		e.active.Wait()
		close(idle)
	}()

	grace := time.NewTimer(e.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-idle:
	case <-grace.C:
		e.logger.Warn("shutdown grace elapsed; canceling in-flight tasks")
	case <-ctx.Done():
	}
	e.cancelRun()

	for _, item := range e.queue.Drain() {
		e.abandon(item.TaskID, errShutdown)
	}

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown dispatch engine: %w", ctx.Err())
	}

	e.mu.Lock()
	var pending []string
	for id, rec := range e.tasks {
		if !rec.task.State.Terminal() {
			pending = append(pending, id)
		}
	}
	e.mu.Unlock()
	for _, id := range pending {
		e.abandon(id, errShutdown)
	}
	if len(pending) > 0 {
		e.logger.Warn("canceled unfinished tasks at shutdown", zap.Int("tasks", len(pending)))
	}
	return err
}
