package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/metrics"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Worker pulls queued tasks and runs them through a Processor.
type Worker struct {
	queue     torrent.Queue
	processor *Processor
	logger    *zap.Logger
}

// New creates a Worker.
func New(queue torrent.Queue, processor *Processor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, processor: processor, logger: logger}
}

// Run processes tasks until the queue is closed and drained or ctx ends.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, torrent.ErrClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to dequeue task", zap.Error(err))
			continue
		}
		metrics.IncActiveWorkers()
		task := w.processor.Process(ctx, item)
		metrics.DecActiveWorkers()
		w.logger.Debug("task finished",
			zap.String("task_id", task.ID),
			zap.String("state", string(task.State)),
			zap.Int("attempts", task.AttemptCount))
	}
}
