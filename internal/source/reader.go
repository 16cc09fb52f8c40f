package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/system"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

const maxLineBytes = 1 << 20

// LineSource emits every non-blank line of r, then stops at EOF.
type LineSource struct {
	name  string
	r     io.Reader
	clock torrent.Clock
}

// NewLineSource reads from r. clock may be nil.
func NewLineSource(name string, r io.Reader, clock torrent.Clock) *LineSource {
	if clock == nil {
		clock = system.New()
	}
	return &LineSource{name: name, r: r, clock: clock}
}

// Name identifies the source in task records.
func (s *LineSource) Name() string { return s.name }

// Run scans lines until EOF. The scan itself cannot be interrupted, so a
// canceled ctx is noticed at the next line.
func (s *LineSource) Run(ctx context.Context, out chan<- Snapshot) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		snap := Snapshot{Text: line, Source: s.name, DiscoveredAt: s.clock.Now()}
		if err := emit(ctx, out, snap); err != nil {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", s.name, err)
	}
	return nil
}
