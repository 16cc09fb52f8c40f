package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-dispatcher/internal/cache"
	"github.com/JakeFAU/magnet-dispatcher/internal/classifier"
	"github.com/JakeFAU/magnet-dispatcher/internal/dedup"
	"github.com/JakeFAU/magnet-dispatcher/internal/hash/sha256"
	"github.com/JakeFAU/magnet-dispatcher/internal/policy/retry"
	"github.com/JakeFAU/magnet-dispatcher/internal/pool"
	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
	"github.com/JakeFAU/magnet-dispatcher/internal/queue/memory"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
	"github.com/JakeFAU/magnet-dispatcher/internal/worker"
)

func magnetFor(i int, name string) string {
	return fmt.Sprintf("magnet:?xt=urn:btih:%040x&dn=%s", i+1, name)
}

type scriptedSession struct {
	mu      sync.Mutex
	script  []error
	submits int
	block   bool
}

func (s *scriptedSession) Submit(ctx context.Context, _ torrent.SubmitRequest) error {
	s.mu.Lock()
	s.submits++
	block := s.block
	var err error
	if len(s.script) > 0 {
		err = s.script[0]
		s.script = s.script[1:]
	}
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *scriptedSession) KnownHashes(context.Context) ([]string, error) { return nil, nil }
func (s *scriptedSession) CreateDestination(context.Context, string, string) error { return nil }
func (s *scriptedSession) Ping(context.Context) error { return nil }
func (s *scriptedSession) Close() error { return nil }

func (s *scriptedSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

type instantPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *instantPauser) Pause(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.delays = append(p.delays, d)
	p.mu.Unlock()
	return ctx.Err()
}

func (p *instantPauser) recorded() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.delays...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) ofType(typ progress.Type) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, evt := range r.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

type fixture struct {
	engine  *Engine
	session *scriptedSession
	pauser  *instantPauser
	emitter *recordingEmitter
}

func testCategories() []torrent.Category {
	return []torrent.Category{
		{Name: "tv", SavePath: "/downloads/tv", Priority: 10},
		{Name: "movies", SavePath: "/downloads/movies", Priority: 8},
		{Name: "other", SavePath: "/downloads/other", Priority: 1},
	}
}

func newFixture(t *testing.T, cfg Config, script []error, start bool) *fixture {
	t.Helper()
	f := &fixture{
		session: &scriptedSession{script: script},
		pauser:  &instantPauser{},
		emitter: &recordingEmitter{},
	}
	p := pool.New(func(context.Context, pool.Tier) (torrent.Session, error) {
		return f.session, nil
	}, pool.Config{Sizes: map[pool.Tier]int{pool.TierRead: 1, pool.TierWrite: 4}})

	oracle, err := classifier.NewOracle(classifier.OracleConfig{Provider: classifier.ProviderNone})
	require.NoError(t, err)
	gateway := classifier.NewGateway(classifier.Options{
		Cache:  cache.New[string, torrent.Classification](cache.Config{Capacity: 64}),
		Oracle: oracle,
		Hasher: sha256.New(),
		Settings: func() classifier.Settings {
			return classifier.Settings{DefaultCategory: "other", MinRuleScore: 4, CacheTTL: time.Hour}
		},
	})

	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = time.Second
	}
	engine, err := New(cfg, Deps{
		Worker: worker.Deps{
			Pool:       p,
			Retry:      retry.New(retry.Config{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}),
			Pauser:     f.pauser,
			Classifier: gateway,
			Dedup:      dedup.NewMemoryStore(128, time.Hour, nil),
			Settings: func() worker.Settings {
				return worker.Settings{Categories: testCategories(), DefaultCategory: "other"}
			},
		},
		Queue:   memory.NewQueue(16),
		Emitter: f.emitter,
	})
	require.NoError(t, err)
	f.engine = engine

	if start {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = engine.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return f
}

func waitTask(t *testing.T, h *TaskHandle) torrent.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.Wait(ctx)
	require.NoError(t, err)
	return task
}

func requireConsistent(t *testing.T, report torrent.StatusReport) {
	t.Helper()
	sum := 0
	for _, n := range report.Counts {
		require.GreaterOrEqual(t, n, 0)
		sum += n
	}
	require.Equal(t, report.Tracked, sum)
}

func TestSubmitOneClassifiesByRule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 2}, nil, true)

	h, err := f.engine.SubmitOne(context.Background(), magnetFor(1, "Some.Show.S01E02.1080p.WEB"), "test")
	require.NoError(t, err)
	task := waitTask(t, h)

	require.Equal(t, torrent.StateSucceeded, task.State)
	require.Equal(t, "tv", task.Category)
	require.Equal(t, torrent.MethodRule, task.ClassificationMethod)
	require.Equal(t, "/downloads/tv", task.DestinationPath)
	require.NotNil(t, task.FinishedAt)
	require.Len(t, f.emitter.ofType(progress.TypeSucceeded), 1)
}

func TestSubmitOneTwiceSkipsDuplicate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 2}, nil, true)
	raw := magnetFor(2, "ubuntu.iso")

	first, err := f.engine.SubmitOne(context.Background(), raw, "test")
	require.NoError(t, err)
	require.Equal(t, torrent.StateSucceeded, waitTask(t, first).State)

	second, err := f.engine.SubmitOne(context.Background(), raw, "test")
	require.NoError(t, err)
	require.Equal(t, torrent.StateDuplicateSkipped, waitTask(t, second).State)
	require.Equal(t, 1, f.session.count())
}

func TestSubmitDiscoveredKeepsSourceTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{BatchConcurrency: 2}, nil, false)
	found := time.Date(2024, 5, 30, 8, 15, 0, 0, time.UTC)

	handles, err := f.engine.SubmitDiscovered(context.Background(), []torrent.Identifier{
		{RawText: magnetFor(40, "found.iso"), DiscoveredAt: found},
		{RawText: magnetFor(41, "unstamped.iso")},
	}, "crawl")
	require.NoError(t, err)
	tasks, err := WaitAll(context.Background(), handles)
	require.NoError(t, err)

	require.Equal(t, torrent.StateSucceeded, tasks[0].State)
	require.Equal(t, found, tasks[0].Identifier.DiscoveredAt)
	require.Equal(t, "crawl", tasks[0].Source)
	require.False(t, tasks[1].Identifier.DiscoveredAt.IsZero())
	require.NotEqual(t, found, tasks[1].Identifier.DiscoveredAt)
}

func TestSubmitBatchConcurrentDuplicatesSubmitOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{BatchConcurrency: 4}, nil, false)
	raw := magnetFor(3, "debian.iso")

	handles, err := f.engine.SubmitBatch(context.Background(), []string{raw, raw, raw}, "test")
	require.NoError(t, err)
	tasks, err := WaitAll(context.Background(), handles)
	require.NoError(t, err)

	var succeeded, skipped int
	for _, task := range tasks {
		switch task.State {
		case torrent.StateSucceeded:
			succeeded++
		case torrent.StateDuplicateSkipped:
			skipped++
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 2, skipped)
	require.Equal(t, 1, f.session.count())
	requireConsistent(t, f.engine.Status())
}

func TestOracleFailureFallsBackToDefault(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1}, nil, true)

	h, err := f.engine.SubmitOne(context.Background(), magnetFor(4, "qx7-archive.bin"), "test")
	require.NoError(t, err)
	task := waitTask(t, h)

	require.Equal(t, torrent.StateSucceeded, task.State)
	require.Equal(t, "other", task.Category)
	require.Equal(t, torrent.MethodDefault, task.ClassificationMethod)
}

func TestTransientFailuresRetryWithGrowingBackoff(t *testing.T) {
	t.Parallel()
	unavailable := &torrent.DownstreamError{Op: "add torrent", StatusCode: 503}
	f := newFixture(t, Config{Workers: 1}, []error{unavailable, unavailable, unavailable}, true)

	h, err := f.engine.SubmitOne(context.Background(), magnetFor(5, "fedora.iso"), "test")
	require.NoError(t, err)
	task := waitTask(t, h)

	require.Equal(t, torrent.StateSucceeded, task.State)
	require.Equal(t, 4, task.AttemptCount)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, f.pauser.recorded())
	require.Len(t, f.emitter.ofType(progress.TypeRetry), 3)
}

func TestAuthFailureIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1}, []error{&torrent.DownstreamError{Op: "add torrent", StatusCode: 401}}, true)

	h, err := f.engine.SubmitOne(context.Background(), magnetFor(6, "arch.iso"), "test")
	require.NoError(t, err)
	task := waitTask(t, h)

	require.Equal(t, torrent.StateFailed, task.State)
	require.Equal(t, torrent.KindAuth, task.LastError)
	require.Equal(t, 1, task.AttemptCount)
	require.Empty(t, f.pauser.recorded())
	require.Len(t, f.emitter.ofType(progress.TypeFailed), 1)
}

func TestHistoryEvictionKeepsCountsConsistent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{HistorySize: 2}, nil, false)

	var handles []*TaskHandle
	for i := 0; i < 3; i++ {
		hs, err := f.engine.SubmitBatch(context.Background(), []string{magnetFor(10+i, "item.iso")}, "test")
		require.NoError(t, err)
		waitTask(t, hs[0])
		handles = append(handles, hs...)
	}

	report := f.engine.Status()
	requireConsistent(t, report)
	require.Equal(t, 2, report.Tracked)
	require.Equal(t, 2, report.Counts[torrent.StateSucceeded])

	history := f.engine.History(0)
	require.Len(t, history, 2)
	require.Equal(t, handles[2].ID, history[0].ID)
	require.Equal(t, handles[1].ID, history[1].ID)
	require.Len(t, f.engine.History(1), 1)

	_, err := f.engine.Task(handles[0].ID)
	require.ErrorIs(t, err, torrent.ErrNotFound)
	require.Equal(t, torrent.StateSucceeded, handles[0].Snapshot().State)
}

func TestShutdownFailsQueuedTasksAndRejectsNewOnes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil, false)

	h, err := f.engine.SubmitOne(context.Background(), magnetFor(20, "queued.iso"), "test")
	require.NoError(t, err)
	require.Equal(t, 1, f.engine.Status().QueueLen)

	require.NoError(t, f.engine.Shutdown(context.Background()))
	task := waitTask(t, h)
	require.Equal(t, torrent.StateFailed, task.State)
	require.Equal(t, torrent.KindCanceled, task.LastError)
	requireConsistent(t, f.engine.Status())

	_, err = f.engine.SubmitOne(context.Background(), magnetFor(21, "late.iso"), "test")
	require.ErrorIs(t, err, torrent.ErrClosed)
	_, err = f.engine.SubmitBatch(context.Background(), []string{magnetFor(22, "late.iso")}, "test")
	require.ErrorIs(t, err, torrent.ErrClosed)
}

func TestShutdownCancelsTasksAfterGrace(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ShutdownGrace: 50 * time.Millisecond}, nil, false)
	f.session.block = true

	handles, err := f.engine.SubmitBatch(context.Background(), []string{magnetFor(30, "stuck.iso")}, "test")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.session.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.engine.Shutdown(context.Background()))
	task := waitTask(t, handles[0])
	require.Equal(t, torrent.StateFailed, task.State)
	require.Equal(t, torrent.KindCanceled, task.LastError)
}

func TestSubmitOneFailsUnparseableInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1}, nil, true)

	h, err := f.engine.SubmitOne(context.Background(), "not a magnet link", "test")
	require.NoError(t, err)
	task := waitTask(t, h)
	require.Equal(t, torrent.StateFailed, task.State)
	require.Equal(t, torrent.KindParse, task.LastError)
	require.Zero(t, f.session.count())
}

func TestHistoryRingNewestFirst(t *testing.T) {
	t.Parallel()
	r := newHistoryRing(3)
	for _, id := range []string{"a", "b", "c"} {
		_, evicted := r.push(id)
		require.False(t, evicted)
	}
	old, evicted := r.push("d")
	require.True(t, evicted)
	require.Equal(t, "a", old)
	require.Equal(t, []string{"d", "c", "b"}, r.newestFirst(0))
	require.Equal(t, []string{"d"}, r.newestFirst(1))
}
