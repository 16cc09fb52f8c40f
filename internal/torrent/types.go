package torrent

import (
	"time"
)

// State is the lifecycle position of a dispatch task.
type State string

// Dispatch task states, in pipeline order.
const (
	StateReceived         State = "RECEIVED"
	StateParsed           State = "PARSED"
	StateDedupChecked     State = "DEDUP_CHECKED"
	StateClassified       State = "CLASSIFIED"
	StatePathResolved     State = "PATH_RESOLVED"
	StateSubmitting       State = "SUBMITTING"
	StateSucceeded        State = "SUCCEEDED"
	StateFailed           State = "FAILED"
	StateDuplicateSkipped State = "DUPLICATE_SKIPPED"
)

// States lists every state in pipeline order.
var States = []State{
	StateReceived,
	StateParsed,
	StateDedupChecked,
	StateClassified,
	StatePathResolved,
	StateSubmitting,
	StateSucceeded,
	StateFailed,
	StateDuplicateSkipped,
}

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateDuplicateSkipped:
		return true
	default:
		return false
	}
}

// Method records how a category was chosen.
type Method string

// Classification methods.
const (
	MethodCache   Method = "cache"
	MethodRule    Method = "rule"
	MethodOracle  Method = "oracle"
	MethodDefault Method = "default"
)

// Identifier is one candidate work item parsed from raw text.
type Identifier struct {
	RawText      string    `json:"raw_text"`
	ContentHash  string    `json:"content_hash"`
	DisplayName  string    `json:"display_name,omitempty"`
	Trackers     []string  `json:"trackers,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Task is a snapshot of a dispatch task. The engine owns the live record;
// everything handed to observers is a copy.
type Task struct {
	ID                   string     `json:"id"`
	Identifier           Identifier `json:"identifier"`
	Category             string     `json:"category,omitempty"`
	DestinationPath      string     `json:"destination_path,omitempty"`
	State                State      `json:"state"`
	AttemptCount         int        `json:"attempt_count"`
	LastError            ErrorKind  `json:"last_error,omitempty"`
	LastErrorText        string     `json:"last_error_text,omitempty"`
	ClassificationMethod Method     `json:"classification_method,omitempty"`
	Source               string     `json:"source,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to observers.
func (t Task) Clone() Task {
	cp := t
	if t.Identifier.Trackers != nil {
		cp.Identifier.Trackers = append([]string(nil), t.Identifier.Trackers...)
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		cp.FinishedAt = &finished
	}
	return cp
}

// StatusReport aggregates task counts by state.
type StatusReport struct {
	Counts    map[State]int `json:"counts"`
	Tracked   int           `json:"tracked"`
	QueueLen  int           `json:"queue_len"`
	Generated time.Time     `json:"generated_at"`
}

// RuleType names the kind of classification rule.
type RuleType string

// Rule types understood by the rule engine.
const (
	RuleRegex   RuleType = "regex"
	RuleKeyword RuleType = "keyword"
	RuleExclude RuleType = "exclude"
)

// Rule contributes Score to a category when it matches a display name.
// Exclude rules subtract Score when any of Keywords is present.
type Rule struct {
	Type     RuleType `json:"type" mapstructure:"type"`
	Pattern  string   `json:"pattern,omitempty" mapstructure:"pattern"`
	Keywords []string `json:"keywords,omitempty" mapstructure:"keywords"`
	Score    float64  `json:"score" mapstructure:"score"`
}

// Category is one classification label and where its downloads land.
type Category struct {
	Name            string   `json:"name"`
	SavePath        string   `json:"save_path"`
	Description     string   `json:"description,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	ForeignKeywords []string `json:"foreign_keywords,omitempty"`
	Rules           []Rule   `json:"rules,omitempty"`
	Priority        int      `json:"priority"`
}

// Classification is the result of the classifier gateway.
type Classification struct {
	Category string  `json:"category"`
	Method   Method  `json:"method"`
	Score    float64 `json:"score"`
}

// SubmitRequest is the downstream add call.
type SubmitRequest struct {
	Magnet   string
	Hash     string
	Name     string
	Category string
	SavePath string
	Paused   bool
}

// QueueItem wraps a task ready for a worker.
type QueueItem struct {
	TaskID       string
	RawText      string
	Source       string
	DiscoveredAt time.Time
}
