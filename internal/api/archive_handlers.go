package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

const (
	defaultArchiveLimit = 50
	maxArchiveLimit     = 500
	archiveTimeout      = 3 * time.Second
)

// ArchiveHandler exposes read-only endpoints over the persistent task archive.
type ArchiveHandler struct {
	store   torrent.HistoryStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewArchiveHandler wires the store and logger. A nil store answers 503.
func NewArchiveHandler(store torrent.HistoryStore, logger *zap.Logger) *ArchiveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveHandler{
		store:   store,
		timeout: archiveTimeout,
		logger:  logger,
	}
}

// List handles GET /v1/history/archive?limit=&offset=. It returns
// {"tasks": [...]} newest first, 400 for invalid paging, 503 when no archive
// is configured, or 500 if the store fails.
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history archive unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultArchiveLimit, maxArchiveLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	tasks, err := h.store.List(ctx, limit, offset)
	if err != nil {
		h.logger.Error("list archived tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []torrent.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// Get handles GET /v1/history/archive/{task_id}.
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history archive unavailable")
		return
	}
	id := chi.URLParam(r, "task_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	task, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, torrent.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("get archived task failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
