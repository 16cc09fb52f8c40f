package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Generation is one immutable, validated configuration snapshot.
type Generation struct {
	Seq      uint64
	LoadedAt time.Time
	Config   Config
}

// Store hands out the latest configuration generation. Readers call Current
// per unit of work; a reload swaps the pointer and never mutates a published
// generation.
type Store struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex // serializes reloads
	current   atomic.Pointer[Generation]
	listeners []func(*Generation)
}

// NewStore loads path and publishes generation 1.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := newStore(path, logger)
	s.publish(cfg)
	return s, nil
}

// NewStaticStore wraps an already loaded Config. Reload re-reads nothing.
func NewStaticStore(cfg Config) *Store {
	s := newStore("", nil)
	s.publish(cfg)
	return s
}

func newStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger, now: time.Now}
}

// Current returns the latest generation. Never nil after construction.
func (s *Store) Current() *Generation {
	return s.current.Load()
}

// Config is shorthand for Current().Config.
func (s *Store) Config() Config {
	return s.Current().Config
}

// Path returns the file backing the store, if any.
func (s *Store) Path() string {
	return s.path
}

// OnReload registers fn to run after every successful reload, in
// registration order. Register before Watch starts.
func (s *Store) OnReload(fn func(*Generation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the file. An invalid file keeps the previous generation.
func (s *Store) Reload() (*Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return s.Current(), nil
	}
	cfg, err := Load(s.path)
	if err != nil {
		return s.Current(), fmt.Errorf("reload %s: %w", s.path, err)
	}
	gen := s.publish(cfg)
	for _, fn := range s.listeners {
		fn(gen)
	}
	return gen, nil
}

func (s *Store) publish(cfg Config) *Generation {
	var seq uint64 = 1
	if prev := s.current.Load(); prev != nil {
		seq = prev.Seq + 1
	}
	gen := &Generation{Seq: seq, LoadedAt: s.now(), Config: cfg}
	s.current.Store(gen)
	return gen
}

// Watch reloads on file changes until ctx is done. The parent directory is
// watched so editors that replace the file by rename are still seen.
func (s *Store) Watch(ctx context.Context, debounce time.Duration) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck // best-effort cleanup

	target, err := filepath.Abs(filepath.Clean(s.path))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.path, err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !configChanged(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", zap.Error(err))
		case <-fire:
			fire = nil
			gen, err := s.Reload()
			if err != nil {
				s.logger.Error("config reload rejected; keeping previous generation",
					zap.Uint64("generation", gen.Seq), zap.Error(err))
				continue
			}
			s.logger.Info("config reloaded", zap.Uint64("generation", gen.Seq))
		}
	}
}

func configChanged(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
