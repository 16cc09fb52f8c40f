// Package storage selects the task-history archive backend.
package storage

import (
	"context"
	"fmt"

	"github.com/JakeFAU/magnet-dispatcher/internal/storage/memory"
	"github.com/JakeFAU/magnet-dispatcher/internal/storage/postgres"
	"github.com/JakeFAU/magnet-dispatcher/internal/storage/sqlite"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Archive is a history store that owns resources.
type Archive interface {
	torrent.HistoryStore
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend    string
	DSN        string
	SQLitePath string
	MaxConns   int32
	// Capacity bounds the memory backend.
	Capacity int
}

// Open builds the archive named by opts.Backend.
func Open(ctx context.Context, opts Options) (Archive, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return memory.NewHistoryStore(opts.Capacity), nil
	case BackendPostgres:
		store, err := postgres.NewHistoryStore(ctx, postgres.Config{DSN: opts.DSN, MaxConns: opts.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("postgres history: %w", err)
		}
		return store, nil
	case BackendSQLite:
		store, err := sqlite.Open(ctx, opts.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite history: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", opts.Backend)
	}
}
