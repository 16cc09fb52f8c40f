// Package source produces raw text snapshots for the dispatcher: lines from a
// reader, whole-file snapshots from a watched file, magnet anchors scraped
// from web pages, and Kafka messages. The Pump suppresses repeated snapshots,
// extracts magnet links, and feeds them to the batcher.
package source

import (
	"context"
	"time"
)

// Snapshot is one piece of raw text observed by a source.
type Snapshot struct {
	Text         string
	Source       string
	DiscoveredAt time.Time
}

// Source emits snapshots until ctx ends or the source is exhausted. A nil
// return means a clean stop.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Snapshot) error
}

func emit(ctx context.Context, out chan<- Snapshot, snap Snapshot) error {
	select {
	case out <- snap:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
