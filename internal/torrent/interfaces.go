package torrent

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests used as cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Session is one leased, authenticated handle to the downstream API.
type Session interface {
	Submit(ctx context.Context, req SubmitRequest) error
	KnownHashes(ctx context.Context) ([]string, error)
	CreateDestination(ctx context.Context, category, path string) error
	Ping(ctx context.Context) error
	Close() error
}

// Oracle is the remote classifier.
type Oracle interface {
	Name() string
	ClassifyRemote(ctx context.Context, prompt string) (string, error)
}

// DedupStore remembers hashes that are already known downstream.
type DedupStore interface {
	Contains(ctx context.Context, hash string) (bool, error)
	Add(ctx context.Context, hash string) error
	Seed(ctx context.Context, hashes []string) error
}

// HistoryStore archives terminal task snapshots.
type HistoryStore interface {
	Record(ctx context.Context, task Task) error
	List(ctx context.Context, limit, offset int) ([]Task, error)
	Get(ctx context.Context, id string) (Task, error)
}

// Queue provides enqueue/dequeue semantics for dispatch tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Publisher pushes task events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
