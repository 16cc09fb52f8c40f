package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/manual"
	"github.com/JakeFAU/magnet-dispatcher/internal/dedup"
	"github.com/JakeFAU/magnet-dispatcher/internal/policy/breaker"
	"github.com/JakeFAU/magnet-dispatcher/internal/policy/ratelimit"
	"github.com/JakeFAU/magnet-dispatcher/internal/policy/retry"
	"github.com/JakeFAU/magnet-dispatcher/internal/pool"
	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

const (
	ubuntuHash   = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"
	ubuntuMagnet = "magnet:?xt=urn:btih:" + ubuntuHash + "&dn=ubuntu-24.04-desktop-amd64.iso"
	debianHash   = "aabbccddeeff00112233445566778899aabbccdd"
	debianMagnet = "magnet:?xt=urn:btih:" + debianHash + "&dn=debian-12.iso"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSession answers Submit from a script; once the script runs out every
// submit succeeds.
type fakeSession struct {
	mu        sync.Mutex
	script    []error
	submits   []torrent.SubmitRequest
	created   []string
	createErr error
	known     []string
}

func (s *fakeSession) Submit(_ context.Context, req torrent.SubmitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, req)
	if len(s.script) == 0 {
		return nil
	}
	err := s.script[0]
	s.script = s.script[1:]
	return err
}

func (s *fakeSession) KnownHashes(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.known...), nil
}

func (s *fakeSession) CreateDestination(_ context.Context, category, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, category+"="+path)
	return nil
}

func (s *fakeSession) Ping(context.Context) error { return nil }
func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

func (s *fakeSession) createdPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.created...)
}

// recordingPauser records requested delays and advances the manual clock
// instead of sleeping.
type recordingPauser struct {
	mu     sync.Mutex
	clock  *manual.Clock
	delays []time.Duration
	err    error
}

func (p *recordingPauser) Pause(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.delays = append(p.delays, d)
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if p.clock != nil {
		p.clock.Advance(d)
	}
	return ctx.Err()
}

func (p *recordingPauser) recorded() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.delays...)
}

type fakeTracker struct {
	mu     sync.Mutex
	clock  torrent.Clock
	tasks  map[string]*torrent.Task
	states map[string][]torrent.State
	events []progress.Event
}

func newFakeTracker(clock torrent.Clock) *fakeTracker {
	return &fakeTracker{
		clock:  clock,
		tasks:  make(map[string]*torrent.Task),
		states: make(map[string][]torrent.State),
	}
}

func (f *fakeTracker) Update(id string, fn func(*torrent.Task)) torrent.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		task = &torrent.Task{ID: id, State: torrent.StateReceived, CreatedAt: f.clock.Now()}
		f.tasks[id] = task
	}
	before := task.State
	fn(task)
	task.UpdatedAt = f.clock.Now()
	if task.State != before {
		f.states[id] = append(f.states[id], task.State)
	}
	return task.Clone()
}

func (f *fakeTracker) Notify(evt progress.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeTracker) path(id string) []torrent.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]torrent.State(nil), f.states[id]...)
}

func (f *fakeTracker) notified() []progress.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]progress.Event(nil), f.events...)
}

type fixedClassifier struct {
	result torrent.Classification
	calls  int
	mu     sync.Mutex
}

func (c *fixedClassifier) Classify(context.Context, string, []torrent.Category) torrent.Classification {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.result
}

type failingDedup struct{ *dedup.MemoryStore }

func (failingDedup) Contains(context.Context, string) (bool, error) {
	return false, errors.New("dedup offline")
}

type harness struct {
	processor *Processor
	session   *fakeSession
	tracker   *fakeTracker
	pauser    *recordingPauser
	dedup     *dedup.MemoryStore
	clock     *manual.Clock
	breaker   *breaker.Breaker
}

type harnessOption func(*Deps, *harness)

func withMaxRetries(n int) harnessOption {
	return func(d *Deps, _ *harness) {
		d.Retry = retry.New(retry.Config{MaxRetries: n, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second})
	}
}

func withBreaker(threshold int, open time.Duration) harnessOption {
	return func(d *Deps, h *harness) {
		h.breaker = breaker.New(breaker.Config{
			Endpoint:         "qbittorrent",
			FailureThreshold: threshold,
			OpenTimeout:      open,
			IsFailure:        torrent.IsDownstreamFailure,
			Clock:            h.clock,
		})
		d.Breaker = h.breaker
	}
}

func newHarness(t *testing.T, script []error, opts ...harnessOption) *harness {
	t.Helper()
	clock := manual.New(baseTime)
	h := &harness{
		session: &fakeSession{script: script},
		tracker: newFakeTracker(clock),
		pauser:  &recordingPauser{clock: clock},
		dedup:   dedup.NewMemoryStore(100, time.Hour, clock),
		clock:   clock,
	}
	p := pool.New(func(context.Context, pool.Tier) (torrent.Session, error) {
		return h.session, nil
	}, pool.Config{
		Sizes:          map[pool.Tier]int{pool.TierRead: 1, pool.TierWrite: 2},
		AcquireTimeout: time.Second,
		Clock:          clock,
	})
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	settings := Settings{
		Categories: []torrent.Category{
			{Name: "software", SavePath: "/downloads/software"},
			{Name: "other", SavePath: "/downloads/other"},
		},
		DefaultCategory: "other",
		Paths: PathMapper{Rules: []PathRule{
			{SourcePrefix: "/downloads", TargetPrefix: "/mnt/nas"},
		}},
	}
	deps := Deps{
		Pool:       p,
		Limiter:    ratelimit.New(ratelimit.Config{Endpoint: "qbittorrent", Capacity: 100, Window: time.Second, Clock: clock}),
		Retry:      retry.New(retry.Config{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}),
		Pauser:     h.pauser,
		Classifier: &fixedClassifier{result: torrent.Classification{Category: "software", Method: torrent.MethodRule}},
		Dedup:      h.dedup,
		Settings:   func() Settings { return settings },
		Tracker:    h.tracker,
		Clock:      clock,
	}
	for _, opt := range opts {
		opt(&deps, h)
	}
	processor, err := NewProcessor(deps)
	require.NoError(t, err)
	h.processor = processor
	return h
}

func (h *harness) run(id, raw string) torrent.Task {
	return h.processor.Process(context.Background(), torrent.QueueItem{
		TaskID:       id,
		RawText:      raw,
		Source:       "test",
		DiscoveredAt: baseTime,
	})
}

func serverError() error {
	return &torrent.DownstreamError{Op: "add torrent", StatusCode: 503}
}
