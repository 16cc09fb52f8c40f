package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

func TestHubFlushesWhenBatchFills(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent("t1", torrent.StateParsed))
	hub.Emit(sampleEvent("t1", torrent.StateClassified))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesOnTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent("t1", torrent.StateSucceeded))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	for i := 0; i < 3; i++ {
		hub.Emit(sampleEvent("t1", torrent.StateParsed))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(3), hub.Stats().Dropped)
	require.Zero(t, hub.Stats().Emitted)
}

func TestHubDrainsOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent("t1", torrent.StateFailed))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.True(t, sink.closed)

	// Emit after close is a no-op.
	hub.Emit(sampleEvent("t2", torrent.StateFailed))
	require.Equal(t, int64(1), hub.Stats().Emitted)
	require.Equal(t, int64(1), hub.Stats().Delivered)
}

func TestHubIsolatesFailingSinks(t *testing.T) {
	t.Parallel()

	good := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, failingSink{}, panickingSink{}, good)

	hub.Emit(sampleEvent("t1", torrent.StateSucceeded))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, good.Batches(), 1)
	require.Equal(t, int64(2), hub.Stats().SinkErrors)
}

func TestHubSkipsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Type: TypeSucceeded, TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent("t1", torrent.StateParsed))
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, Stats{}, hub.Stats())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

type failingSink struct{}

func (failingSink) Consume(context.Context, []Event) error { return errors.New("boom") }
func (failingSink) Close(context.Context) error            { return nil }

type panickingSink struct{}

func (panickingSink) Consume(context.Context, []Event) error { panic("sink bug") }
func (panickingSink) Close(context.Context) error            { return nil }

func sampleEvent(id string, state torrent.State) Event {
	now := time.Now()
	return ForTask(torrent.Task{
		ID:        id,
		State:     state,
		CreatedAt: now.Add(-time.Second),
		UpdatedAt: now,
	}, now)
}
