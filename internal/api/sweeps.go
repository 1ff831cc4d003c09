package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/pricewatch"
)

const (
	defaultSweepLimit = 20
	maxSweepLimit     = 200
	sweepReadTimeout  = 3 * time.Second
)

// SweepHandler exposes read-only sweep history endpoints.
type SweepHandler struct {
	runs    pricewatch.RunReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewSweepHandler wires the run reader and logger.
func NewSweepHandler(runs pricewatch.RunReader, logger *zap.Logger) *SweepHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepHandler{
		runs:    runs,
		timeout: sweepReadTimeout,
		logger:  logger,
	}
}

// ListSweeps handles GET /v1/sweeps?status=&limit=&offset=. It returns
// {"sweeps": [...]} on success, 400 for invalid filters, 503 when no run store
// is configured, or 500 if the store call fails.
func (h *SweepHandler) ListSweeps(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "sweep history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSweepLimit, maxSweepLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *pricewatch.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, ok := pricewatch.ParseRunStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	runs, err := h.runs.ListRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list sweeps failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sweeps")
		return
	}
	if runs == nil {
		runs = []pricewatch.SweepReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sweeps": runs})
}

// GetSweep handles GET /v1/sweeps/{sweep_id}. It returns {"sweep": {...}},
// 404 for unknown ids, 503 without a run store, or 500 otherwise.
func (h *SweepHandler) GetSweep(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "sweep history unavailable")
		return
	}
	id := chi.URLParam(r, "sweep_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "sweep_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	run, err := h.runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, pricewatch.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "sweep not found")
			return
		}
		h.logger.Error("get sweep failed", zap.String("sweep_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load sweep")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sweep": run})
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
