package dispatcher

import (
	"context"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// TaskHandle lets a submitter follow one task to its terminal state. It keeps
// working after the task has aged out of the engine's history.
type TaskHandle struct {
	ID     string
	engine *Engine
	rec    *record
}

// Done is closed once the task is terminal.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.rec.done
}

// Snapshot returns the task as it is now.
func (h *TaskHandle) Snapshot() torrent.Task {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	return h.rec.task.Clone()
}

// Wait blocks until the task is terminal or ctx ends, returning the latest
// snapshot either way.
func (h *TaskHandle) Wait(ctx context.Context) (torrent.Task, error) {
	select {
	case <-h.rec.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
}

// WaitAll waits for every handle, stopping early if ctx ends.
func WaitAll(ctx context.Context, handles []*TaskHandle) ([]torrent.Task, error) {
	out := make([]torrent.Task, 0, len(handles))
	for _, h := range handles {
		task, err := h.Wait(ctx)
		out = append(out, task)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
