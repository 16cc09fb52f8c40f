// Package memory provides an in-process task-history archive.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// HistoryStore keeps the most recent terminal task snapshots in insertion
// order. Recording an ID again replaces the stored snapshot in place.
type HistoryStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	tasks    map[string]torrent.Task
}

// NewHistoryStore constructs a store holding at most capacity tasks;
// capacity <= 0 means unbounded.
func NewHistoryStore(capacity int) *HistoryStore {
	return &HistoryStore{
		capacity: capacity,
		tasks:    make(map[string]torrent.Task),
	}
}

// Record stores a copy of task, evicting the oldest entry when full.
func (s *HistoryStore) Record(_ context.Context, task torrent.Task) error {
	if task.ID == "" {
		return errors.New("record task: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	for s.capacity > 0 && len(s.order) > s.capacity {
		delete(s.tasks, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// List returns up to limit tasks, newest first, skipping offset.
func (s *HistoryStore) List(_ context.Context, limit, offset int) ([]torrent.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	n := len(s.order) - offset
	if n <= 0 {
		return []torrent.Task{}, nil
	}
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]torrent.Task, 0, n)
	for i := len(s.order) - 1 - offset; i >= 0 && len(out) < n; i-- {
		out = append(out, s.tasks[s.order[i]].Clone())
	}
	return out, nil
}

// Get returns the stored snapshot for id.
func (s *HistoryStore) Get(_ context.Context, id string) (torrent.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return torrent.Task{}, fmt.Errorf("task %s: %w", id, torrent.ErrNotFound)
	}
	return task.Clone(), nil
}

// Len reports how many tasks are stored.
func (s *HistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Close implements io.Closer.
func (s *HistoryStore) Close() error { return nil }
