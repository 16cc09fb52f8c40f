package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Type names what happened to a task.
type Type string

// Event types emitted by the dispatch engine.
const (
	TypeTransition Type = "TASK_TRANSITION"
	TypeRetry      Type = "TASK_RETRY"
	TypeSucceeded  Type = "TASK_SUCCEEDED"
	TypeFailed     Type = "TASK_FAILED"
	TypeDuplicate  Type = "TASK_DUPLICATE"
)

// Event is one notification about a dispatch task. Task is a snapshot taken
// at emit time and must not be mutated by sinks.
type Event struct {
	Type Type         `json:"type"`
	TS   time.Time    `json:"ts"`
	Task torrent.Task `json:"task"`
	// Attempt is the submit attempt that produced a retry event.
	Attempt int `json:"attempt,omitempty"`
	// Dur is the time since the task was created.
	Dur  time.Duration `json:"duration_ns,omitempty"`
	Note string        `json:"note,omitempty"`
}

// ForTask builds the event matching the task's current state.
func ForTask(task torrent.Task, ts time.Time) Event {
	evt := Event{
		Type: typeForState(task.State),
		TS:   ts,
		Task: task.Clone(),
	}
	if !task.CreatedAt.IsZero() && ts.After(task.CreatedAt) {
		evt.Dur = ts.Sub(task.CreatedAt)
	}
	if task.LastErrorText != "" {
		evt.Note = task.LastErrorText
	}
	return evt
}

func typeForState(s torrent.State) Type {
	switch s {
	case torrent.StateSucceeded:
		return TypeSucceeded
	case torrent.StateFailed:
		return TypeFailed
	case torrent.StateDuplicateSkipped:
		return TypeDuplicate
	default:
		return TypeTransition
	}
}

// Terminal reports whether the event closes out its task.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeSucceeded, TypeFailed, TypeDuplicate:
		return true
	default:
		return false
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Task.ID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeTransition:
	case TypeRetry:
		if e.Attempt <= 0 {
			return errors.New("retry event requires attempt")
		}
	case TypeSucceeded, TypeFailed, TypeDuplicate:
		if !e.Task.State.Terminal() {
			return fmt.Errorf("%s event carries non-terminal state %s", e.Type, e.Task.State)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Attributes are the routing labels publishers attach to the message.
func (e Event) Attributes() map[string]string {
	attrs := map[string]string{
		"event_type": string(e.Type),
		"task_id":    e.Task.ID,
		"state":      string(e.Task.State),
	}
	if e.Task.Category != "" {
		attrs["category"] = e.Task.Category
	}
	if e.Task.Identifier.ContentHash != "" {
		attrs["content_hash"] = e.Task.Identifier.ContentHash
	}
	return attrs
}
