// Package system is the wall clock behind task timestamps, rate-limit windows
// and breaker timeouts.
package system

import (
	"time"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

var _ torrent.Clock = Clock{}

// Clock reads the wall clock; the zero value is ready to use.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC, keeping the monotonic reading so
// durations between two calls are immune to wall clock steps.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
