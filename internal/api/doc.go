// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/magnets and /v1/magnets/batch for submission.
//   - GET /v1/tasks/{task_id}, /v1/status, /v1/history for live engine state.
//   - GET /v1/history/archive for the persistent archive via the
//     torrent.HistoryStore interface.
//   - GET /v1/components for pool, breaker, limiter, and cache snapshots.
package api
