package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/inat"
	"github.com/JakeFAU/inat-scraper/internal/progress/sinks"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
	progressTimeout = 3 * time.Second
)

// ProgressHandler exposes read-only run progress endpoints.
type ProgressHandler struct {
	snapshots SnapshotSource
	runs      inat.RunReader
	timeout   time.Duration
	logger    *zap.Logger
}

// NewProgressHandler wires the live snapshot source, the run history and the
// logger. Either source may be nil; its routes then answer 503.
func NewProgressHandler(snapshots SnapshotSource, runs inat.RunReader, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		snapshots: snapshots,
		runs:      runs,
		timeout:   progressTimeout,
		logger:    logger,
	}
}

// Progress handles GET /v1/progress?pipeline=. It returns {"runs": [...]}
// with the newest run first.
func (h *ProgressHandler) Progress(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	pipeline, err := parsePipeline(r.URL.Query().Get("pipeline"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snaps := slices.DeleteFunc(h.snapshots.Snapshots(), func(s sinks.RunSnapshot) bool {
		return pipeline != "" && s.Pipeline != pipeline
	})
	writeJSON(w, http.StatusOK, map[string]any{"runs": snaps})
}

// ListRuns handles GET /v1/runs?limit=. It returns {"runs": [...]} on success,
// 400 for an invalid limit, 503 without a run reader, or 500 if the read fails.
func (h *ProgressHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.runs.ListRuns(ctx, limit)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []inat.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}}, 400 for a
// malformed id, or 404 when the run is unknown.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, inat.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func parseRunID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return "", errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", errors.New("invalid run_id")
	}
	return id.String(), nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func parsePipeline(raw string) (inat.Pipeline, error) {
	switch p := inat.Pipeline(strings.ToLower(strings.TrimSpace(raw))); p {
	case "", inat.PipelineScrape, inat.PipelineAnnotate:
		return p, nil
	default:
		return "", errors.New("invalid pipeline")
	}
}
