package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/queue/memory"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

func TestWorkerRunDrainsQueueUntilClosed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	q := memory.NewQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, torrent.QueueItem{TaskID: "task-1", RawText: ubuntuMagnet, DiscoveredAt: baseTime}))
	require.NoError(t, q.Enqueue(ctx, torrent.QueueItem{TaskID: "task-2", RawText: debianMagnet, DiscoveredAt: baseTime}))
	q.Close()

	done := make(chan struct{})
	go func() {
		New(q, h.processor, zap.NewNop()).Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after the queue closed")
	}
	require.Equal(t, 2, h.session.submitCount())
	require.Contains(t, h.tracker.path("task-2"), torrent.StateSucceeded)
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	q := memory.NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		New(q, h.processor, nil).Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
