// Package postgres archives terminal task snapshots in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "task_history"

// Config controls the connection pool backing the archive.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// querier is the slice of pgxpool.Pool the store needs; pgxmock satisfies it.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// HistoryStore implements torrent.HistoryStore on Postgres.
type HistoryStore struct {
	pool  querier
	table string
}

// NewHistoryStore connects to Postgres and creates the archive table if needed.
func NewHistoryStore(ctx context.Context, cfg Config) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("history.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewHistoryStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewHistoryStoreWithPool wraps an existing pool (primarily for testing).
func NewHistoryStoreWithPool(pool querier, table string) (*HistoryStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &HistoryStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the archive table and its ordering index.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id                    TEXT PRIMARY KEY,
	content_hash          TEXT NOT NULL,
	display_name          TEXT NOT NULL DEFAULT '',
	raw_text              TEXT NOT NULL DEFAULT '',
	trackers              JSONB NOT NULL DEFAULT '[]',
	discovered_at         TIMESTAMPTZ,
	category              TEXT NOT NULL DEFAULT '',
	destination_path      TEXT NOT NULL DEFAULT '',
	state                 TEXT NOT NULL,
	attempt_count         INTEGER NOT NULL DEFAULT 0,
	last_error            TEXT NOT NULL DEFAULT '',
	last_error_text       TEXT NOT NULL DEFAULT '',
	classification_method TEXT NOT NULL DEFAULT '',
	source                TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL,
	finished_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS %[1]s_updated_idx ON %[1]s (updated_at DESC);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the pool.
func (s *HistoryStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Record upserts the snapshot keyed by task ID.
func (s *HistoryStore) Record(ctx context.Context, task torrent.Task) error {
	if task.ID == "" {
		return errors.New("record task: id is required")
	}
	trackers, err := json.Marshal(nonNil(task.Identifier.Trackers))
	if err != nil {
		return fmt.Errorf("marshal trackers: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, content_hash, display_name, raw_text, trackers, discovered_at,
	category, destination_path, state, attempt_count, last_error, last_error_text,
	classification_method, source, created_at, updated_at, finished_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (id) DO UPDATE SET
	category = EXCLUDED.category,
	destination_path = EXCLUDED.destination_path,
	state = EXCLUDED.state,
	attempt_count = EXCLUDED.attempt_count,
	last_error = EXCLUDED.last_error,
	last_error_text = EXCLUDED.last_error_text,
	classification_method = EXCLUDED.classification_method,
	updated_at = EXCLUDED.updated_at,
	finished_at = EXCLUDED.finished_at`, s.table)

	args := []any{
		task.ID,
		task.Identifier.ContentHash,
		task.Identifier.DisplayName,
		task.Identifier.RawText,
		trackers,
		nullTime(task.Identifier.DiscoveredAt),
		task.Category,
		task.DestinationPath,
		string(task.State),
		task.AttemptCount,
		string(task.LastError),
		task.LastErrorText,
		string(task.ClassificationMethod),
		task.Source,
		task.CreatedAt,
		task.UpdatedAt,
		task.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	return nil
}

const selectColumns = `id, content_hash, display_name, raw_text, trackers, discovered_at,
	category, destination_path, state, attempt_count, last_error, last_error_text,
	classification_method, source, created_at, updated_at, finished_at`

// List pages the archive, most recently updated first.
func (s *HistoryStore) List(ctx context.Context, limit, offset int) ([]torrent.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY updated_at DESC, id LIMIT $1 OFFSET $2`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]torrent.Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// Get loads one task by ID.
func (s *HistoryStore) Get(ctx context.Context, id string) (torrent.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectColumns, s.table)
	task, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return torrent.Task{}, fmt.Errorf("task %s: %w", id, torrent.ErrNotFound)
	}
	return task, err
}

func scanTask(row pgx.Row) (torrent.Task, error) {
	var (
		task                   torrent.Task
		trackers               []byte
		discovered             *time.Time
		state, lastErr, method string
	)
	err := row.Scan(
		&task.ID,
		&task.Identifier.ContentHash,
		&task.Identifier.DisplayName,
		&task.Identifier.RawText,
		&trackers,
		&discovered,
		&task.Category,
		&task.DestinationPath,
		&state,
		&task.AttemptCount,
		&lastErr,
		&task.LastErrorText,
		&method,
		&task.Source,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return torrent.Task{}, err
		}
		return torrent.Task{}, fmt.Errorf("scan task: %w", err)
	}
	if len(trackers) > 0 {
		if err := json.Unmarshal(trackers, &task.Identifier.Trackers); err != nil {
			return torrent.Task{}, fmt.Errorf("decode trackers for %s: %w", task.ID, err)
		}
	}
	if discovered != nil {
		task.Identifier.DiscoveredAt = *discovered
	}
	task.State = torrent.State(state)
	task.LastError = torrent.ErrorKind(lastErr)
	task.ClassificationMethod = torrent.Method(method)
	return task, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
