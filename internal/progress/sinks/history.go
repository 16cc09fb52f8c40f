package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// HistorySink archives terminal task snapshots.
type HistorySink struct {
	store  torrent.HistoryStore
	logger *zap.Logger
}

// NewHistorySink constructs a HistorySink for store.
func NewHistorySink(store torrent.HistoryStore, logger *zap.Logger) *HistorySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistorySink{store: store, logger: logger}
}

// Consume records each terminal event. A failed record does not stop the
// rest of the batch.
func (s *HistorySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	var errs []error
	recorded := 0
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		if err := s.store.Record(ctx, evt.Task); err != nil {
			errs = append(errs, fmt.Errorf("archive task %s: %w", evt.Task.ID, err))
			continue
		}
		recorded++
	}
	if recorded > 0 {
		s.logger.Debug("archived tasks", zap.Int("count", recorded))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the store is closed by its owner.
func (s *HistorySink) Close(context.Context) error {
	return nil
}
