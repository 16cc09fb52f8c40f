package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/dispatcher"
	"github.com/JakeFAU/magnet-dispatcher/internal/metrics"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// Engine is the slice of the dispatch engine the API drives.
type Engine interface {
	SubmitOne(ctx context.Context, raw, source string) (*dispatcher.TaskHandle, error)
	SubmitBatch(ctx context.Context, raws []string, source string) ([]*dispatcher.TaskHandle, error)
	Task(id string) (torrent.Task, error)
	Status() torrent.StatusReport
	History(limit int) []torrent.Task
}

// Options wires a Server.
type Options struct {
	Engine  Engine
	Archive torrent.HistoryStore
	// Components returns a JSON-encodable snapshot of the resilience
	// components.
	Components func() any
	// Ready reports whether downstream dependencies are usable.
	Ready          func(ctx context.Context) error
	APIKey         string
	RequestTimeout time.Duration
	MaxBatch       int
	Logger         *zap.Logger
}

const (
	defaultRequestTimeout = 60 * time.Second
	defaultMaxBatch       = 500
	defaultHistoryLimit   = 50
	maxHistoryLimit       = 1000
	apiSource             = "api"
)

// Server wires HTTP handlers to the dispatch engine and archive.
type Server struct {
	router  chi.Router
	opts    Options
	archive *ArchiveHandler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		opts:    opts,
		archive: NewArchiveHandler(opts.Archive, logger),
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/magnets", s.submitMagnet)
		r.Post("/magnets/batch", s.submitBatch)
		r.Get("/tasks/{task_id}", s.getTask)
		r.Get("/status", s.status)
		r.Get("/history", s.history)
		r.Get("/history/archive", s.archive.List)
		r.Get("/history/archive/{task_id}", s.archive.Get)
		r.Get("/components", s.components)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	Magnet string `json:"magnet"`
	Source string `json:"source"`
	Wait   bool   `json:"wait"`
}

type batchRequest struct {
	Magnets []string `json:"magnets"`
	Source  string   `json:"source"`
	Wait    bool     `json:"wait"`
}

func (s *Server) submitMagnet(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Magnet = strings.TrimSpace(req.Magnet)
	if req.Magnet == "" {
		writeError(w, http.StatusBadRequest, "magnet required")
		return
	}
	handle, err := s.opts.Engine.SubmitOne(r.Context(), req.Magnet, sourceOrDefault(req.Source))
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": handle.ID})
		return
	}
	task, err := handle.Wait(r.Context())
	if err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": handle.ID, "task": task})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": handle.ID, "task": task})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	raws := make([]string, 0, len(req.Magnets))
	for _, m := range req.Magnets {
		if m = strings.TrimSpace(m); m != "" {
			raws = append(raws, m)
		}
	}
	if len(raws) == 0 {
		writeError(w, http.StatusBadRequest, "magnets required")
		return
	}
	if len(raws) > s.opts.MaxBatch {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d magnets per batch", s.opts.MaxBatch))
		return
	}
	handles, err := s.opts.Engine.SubmitBatch(r.Context(), raws, sourceOrDefault(req.Source))
	if err != nil && len(handles) == 0 {
		s.writeSubmitError(w, err)
		return
	}
	ids := make([]string, len(handles))
	for i, h := range handles {
		ids[i] = h.ID
	}
	if err != nil || !req.Wait {
		writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": ids})
		return
	}
	tasks, err := dispatcher.WaitAll(r.Context(), handles)
	status := http.StatusOK
	if err != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"task_ids": ids, "tasks": tasks})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, torrent.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "dispatcher is shutting down")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit")
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	task, err := s.opts.Engine.Task(id)
	if err != nil {
		if errors.Is(err, torrent.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Engine.Status())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(val, maxHistoryLimit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.opts.Engine.History(limit)})
}

func (s *Server) components(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Components == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Components())
}

func sourceOrDefault(source string) string {
	if source = strings.TrimSpace(source); source == "" {
		return apiSource
	}
	return source
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
