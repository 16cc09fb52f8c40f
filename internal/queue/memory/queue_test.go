package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan torrent.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), torrent.QueueItem{TaskID: "task-1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "task-1", got.TaskID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	qEnqueue := NewQueue(1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), torrent.QueueItem{TaskID: "primed"}))
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = qEnqueue.Enqueue(ctx, torrent.QueueItem{})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueCloseDrainsBufferedItemsFirst(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), torrent.QueueItem{TaskID: "a"}))
	q.Close()
	q.Close()

	err := q.Enqueue(context.Background(), torrent.QueueItem{TaskID: "late"})
	require.True(t, errors.Is(err, torrent.ErrClosed))

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", item.TaskID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, torrent.ErrClosed)
}

func TestQueueCloseUnblocksEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), torrent.QueueItem{TaskID: "full"}))

	errCh := make(chan error, 1)
	go func() { errCh <- q.Enqueue(context.Background(), torrent.QueueItem{TaskID: "blocked"}) }()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, torrent.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("enqueue stayed blocked after close")
	}
}

func TestQueueDrain(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, q.Enqueue(context.Background(), torrent.QueueItem{TaskID: id}))
	}
	require.Equal(t, 2, q.Len())
	drained := q.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, "a", drained[0].TaskID)
	require.Zero(t, q.Len())
}
