// Package sinks implements the notification consumers attached to the
// progress hub: structured logs, Prometheus collectors, a JSON webhook, a
// message publisher, and the task-history archive.
package sinks
