// Package sqlite archives terminal task snapshots in an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// HistoryStore implements torrent.HistoryStore on SQLite.
type HistoryStore struct {
	db   *sql.DB
	path string
}

// Open creates path's directory if needed, opens the database, and applies
// migrations.
func Open(ctx context.Context, path string) (*HistoryStore, error) {
	if path == "" {
		return nil, errors.New("history.sqlite_path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	s := &HistoryStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file location.
func (s *HistoryStore) Path() string { return s.path }

// Close closes the database.
func (s *HistoryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Record upserts the snapshot keyed by task ID.
func (s *HistoryStore) Record(ctx context.Context, task torrent.Task) error {
	if task.ID == "" {
		return errors.New("record task: id is required")
	}
	trackers := task.Identifier.Trackers
	if trackers == nil {
		trackers = []string{}
	}
	trackersJSON, err := json.Marshal(trackers)
	if err != nil {
		return fmt.Errorf("marshal trackers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO task_history (
    id, content_hash, display_name, raw_text, trackers_json, discovered_at,
    category, destination_path, state, attempt_count, last_error, last_error_text,
    classification_method, source, created_at, updated_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    category = excluded.category,
    destination_path = excluded.destination_path,
    state = excluded.state,
    attempt_count = excluded.attempt_count,
    last_error = excluded.last_error,
    last_error_text = excluded.last_error_text,
    classification_method = excluded.classification_method,
    updated_at = excluded.updated_at,
    finished_at = excluded.finished_at`,
		task.ID,
		task.Identifier.ContentHash,
		task.Identifier.DisplayName,
		task.Identifier.RawText,
		string(trackersJSON),
		formatNullable(task.Identifier.DiscoveredAt),
		task.Category,
		task.DestinationPath,
		string(task.State),
		task.AttemptCount,
		string(task.LastError),
		task.LastErrorText,
		string(task.ClassificationMethod),
		task.Source,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
		formatPtr(task.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, content_hash, display_name, raw_text, trackers_json, discovered_at,
    category, destination_path, state, attempt_count, last_error, last_error_text,
    classification_method, source, created_at, updated_at, finished_at FROM task_history`

// List pages the archive, most recently updated first.
func (s *HistoryStore) List(ctx context.Context, limit, offset int) ([]torrent.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY updated_at DESC, id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tasks := []torrent.Task{}
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
	task, err := scanTask(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return torrent.Task{}, fmt.Errorf("task %s: %w", id, torrent.ErrNotFound)
	}
	return task, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (torrent.Task, error) {
	var (
		task                             torrent.Task
		trackers, state, lastErr, method string
		created, updated                 string
		discovered, finished             sql.NullString
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
		&created,
		&updated,
		&finished,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return torrent.Task{}, err
		}
		return torrent.Task{}, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal([]byte(trackers), &task.Identifier.Trackers); err != nil {
		return torrent.Task{}, fmt.Errorf("decode trackers for %s: %w", task.ID, err)
	}
	if len(task.Identifier.Trackers) == 0 {
		task.Identifier.Trackers = nil
	}
	task.State = torrent.State(state)
	task.LastError = torrent.ErrorKind(lastErr)
	task.ClassificationMethod = torrent.Method(method)
	task.CreatedAt = parseTime(created)
	task.UpdatedAt = parseTime(updated)
	if discovered.Valid {
		task.Identifier.DiscoveredAt = parseTime(discovered.String)
	}
	if finished.Valid {
		ts := parseTime(finished.String)
		task.FinishedAt = &ts
	}
	return task, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullable(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func formatPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
