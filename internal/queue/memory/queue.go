// Package memory provides the bounded in-process task queue feeding workers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Queue is a bounded in-memory queue with context-aware operations. The item
// channel is never closed, so Enqueue racing Close returns an error instead
// of panicking.
type Queue struct {
	ch        chan torrent.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch:   make(chan torrent.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends or the
// queue closes.
func (q *Queue) Enqueue(ctx context.Context, item torrent.QueueItem) error {
	select {
	case <-q.done:
		return fmt.Errorf("enqueue: %w", torrent.ErrClosed)
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return fmt.Errorf("enqueue: %w", torrent.ErrClosed)
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item. After Close it keeps returning buffered items
// and then torrent.ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (torrent.QueueItem, error) {
	select {
	case <-ctx.Done():
		return torrent.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return torrent.QueueItem{}, fmt.Errorf("dequeue: %w", torrent.ErrClosed)
		}
	}
}

// Len reports buffered items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting items. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Drain removes and returns every buffered item without blocking.
func (q *Queue) Drain() []torrent.QueueItem {
	var items []torrent.QueueItem
	for {
		select {
		case item := <-q.ch:
			items = append(items, item)
		default:
			return items
		}
	}
}
