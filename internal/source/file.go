package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/system"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

const defaultPollInterval = 2 * time.Second

// FileSource watches one file and emits its whole content whenever it
// changes, the way a clipboard poller yields complete snapshots. Change
// notifications come from fsnotify; a poll ticker covers filesystems that do
// not deliver events.
type FileSource struct {
	path     string
	interval time.Duration
	clock    torrent.Clock
	logger   *zap.Logger

	last []byte
}

// NewFileSource watches path, re-reading it at least every interval.
func NewFileSource(path string, interval time.Duration, clock torrent.Clock, logger *zap.Logger) *FileSource {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{path: filepath.Clean(path), interval: interval, clock: clock, logger: logger}
}

// Name identifies the source in task records.
func (s *FileSource) Name() string { return "file:" + filepath.Base(s.path) }

// Run emits the current content, then every changed content, until ctx ends.
func (s *FileSource) Run(ctx context.Context, out chan<- Snapshot) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	defer func() { _ = watcher.Close() }()
	// Watch the directory so editors that replace the file keep notifying.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.check(ctx, out); err != nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path || !changed(event) {
				continue
			}
			if err := s.check(ctx, out); err != nil {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("file watcher error", zap.String("path", s.path), zap.Error(err))
		case <-ticker.C:
			if err := s.check(ctx, out); err != nil {
				return nil
			}
		}
	}
}

// check reads the file and emits it when the content differs from the last
// emitted snapshot. Only a ctx error is returned.
func (s *FileSource) check(ctx context.Context, out chan<- Snapshot) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read watched file", zap.String("path", s.path), zap.Error(err))
		}
		return nil
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, s.last) {
		return nil
	}
	s.last = data
	return emit(ctx, out, Snapshot{Text: string(data), Source: s.Name(), DiscoveredAt: s.clock.Now()})
}

func changed(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
