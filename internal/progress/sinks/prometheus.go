package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
)

// PrometheusSink derives task lifecycle metrics from the event stream.
type PrometheusSink struct {
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskDuration  *prometheus.HistogramVec
	retries       *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magnetd_tasks_started_total",
			Help: "Tasks that produced their first lifecycle event.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magnetd_tasks_finished_total",
			Help: "Tasks reaching a terminal state, by state and classification method.",
		}, []string{"state", "method"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "magnetd_tasks_running",
			Help: "Tasks seen but not yet terminal.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magnetd_task_duration_seconds",
			Help:    "Time from task creation to terminal state.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
		}, []string{"state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magnetd_task_retries_total",
			Help: "Submit retries by the error kind that caused them.",
		}, []string{"error_kind"}),
		tracker: newTaskTracker(),
	}
	for _, c := range []prometheus.Collector{
		s.tasksStarted, s.tasksFinished, s.tasksRunning, s.taskDuration, s.retries,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register task collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		id := evt.Task.ID
		if s.tracker.start(id) {
			s.tasksStarted.Inc()
			s.tasksRunning.Inc()
		}
		switch {
		case evt.Type == progress.TypeRetry:
			kind := string(evt.Task.LastError)
			if kind == "" {
				kind = "unknown"
			}
			s.retries.WithLabelValues(kind).Inc()
		case evt.Terminal():
			state := string(evt.Task.State)
			method := string(evt.Task.ClassificationMethod)
			if method == "" {
				method = "none"
			}
			s.tasksFinished.WithLabelValues(state, method).Inc()
			if evt.Dur > 0 {
				s.taskDuration.WithLabelValues(state).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(id) {
				s.tasksRunning.Dec()
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// taskTracker remembers live tasks. The hub delivers one task's events in
// emit order, so a terminal event is always the last one seen for its ID.
type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
