package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"go-ingest-pipeline/internal/model"
	"go-ingest-pipeline/internal/store"
	"go-ingest-pipeline/pkg/router"
)

// Runner triggers run cycles. The Manager implements it.
type Runner interface {
	TryRunCycle(ctx context.Context) (*model.CycleResult, bool)
}

// Handler serves the status API from the checkpoint store. Without a Runner
// cycles can only be inspected, not triggered.
type Handler struct {
	store  store.Store
	feeds  []model.Feed
	runner Runner
}

// FeedStatus is a feed with its committed checkpoint, if any.
type FeedStatus struct {
	Feed       model.Feed        `json:"feed"`
	Checkpoint *model.Checkpoint `json:"checkpoint"`
}

// New creates a Handler. runner may be nil.
func New(st store.Store, feeds []model.Feed, runner Runner) *Handler {
	return &Handler{store: st, feeds: feeds, runner: runner}
}

func (h *Handler) feed(name string) (model.Feed, bool) {
	for _, f := range h.feeds {
		if f.Name == name {
			return f, true
		}
	}
	return model.Feed{}, false
}

// ListFeeds lists the configured feeds
// @Summary List feeds
// @Description List configured feeds with their current checkpoint
// @Tags feeds
// @Produce json
// @Success 200 {array} FeedStatus "Feeds"
// @Failure 500 {string} string "Internal server error"
// @Router /feeds [get]
func (h *Handler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.store.Checkpoints(r.Context())
	if err != nil {
		log.WithError(err).Error("listing checkpoints")
		http.Error(w, "Failed to fetch checkpoints", http.StatusInternalServerError)
		return
	}
	out := make([]FeedStatus, 0, len(h.feeds))
	for _, f := range h.feeds {
		out = append(out, FeedStatus{Feed: f, Checkpoint: checkpoints[f.Key()]})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCheckpoint retrieves the checkpoint of a feed
// @Summary Get feed checkpoint
// @Description Retrieve the committed checkpoint of a feed
// @Tags feeds
// @Produce json
// @Param name path string true "Feed name"
// @Success 200 {object} model.Checkpoint "Checkpoint"
// @Failure 404 {string} string "Unknown feed or no checkpoint"
// @Router /feeds/{name}/checkpoint [get]
func (h *Handler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	params, _ := router.Wildcards(r.URL.Path, "/api/v1/feeds/*/checkpoint")
	if len(params) != 1 {
		http.Error(w, "Feed name is required", http.StatusBadRequest)
		return
	}
	f, ok := h.feed(params[0])
	if !ok {
		http.Error(w, "Feed not found", http.StatusNotFound)
		return
	}
	cp, err := h.store.Get(r.Context(), f.Key())
	if err != nil {
		log.WithError(err).WithField("feed", f.Name).Error("reading checkpoint")
		http.Error(w, "Failed to fetch checkpoint", http.StatusInternalServerError)
		return
	}
	if cp == nil {
		http.Error(w, "No checkpoint committed", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// ListRuns lists recent runs
// @Summary List runs
// @Description List recent runs, newest first
// @Tags runs
// @Produce json
// @Param feed query string false "Feed name"
// @Param limit query int false "Maximum number of runs"
// @Success 200 {array} model.RunResult "Runs"
// @Failure 400 {string} string "Invalid limit"
// @Router /runs [get]
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := store.DefaultRunLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := h.store.Runs(r.Context(), q.Get("feed"), limit)
	if err != nil {
		log.WithError(err).Error("listing runs")
		http.Error(w, "Failed to fetch runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun retrieves one run
// @Summary Get run
// @Description Retrieve one run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} model.RunResult "Run"
// @Failure 404 {string} string "Run not found"
// @Router /runs/{id} [get]
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	params, _ := router.Wildcards(r.URL.Path, "/api/v1/runs/*")
	if len(params) != 1 || params[0] == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}
	run, err := h.store.Run(r.Context(), params[0])
	if !h.check(w, err, "run") {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunErrors retrieves the record errors of a run
// @Summary Get run errors
// @Description Retrieve the detailed record errors kept for a run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {array} model.RecordError "Record errors"
// @Failure 404 {string} string "Run not found"
// @Router /runs/{id}/errors [get]
func (h *Handler) GetRunErrors(w http.ResponseWriter, r *http.Request) {
	params, _ := router.Wildcards(r.URL.Path, "/api/v1/runs/*/errors")
	if len(params) != 1 {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}
	errs, err := h.store.RunErrors(r.Context(), params[0])
	if !h.check(w, err, "run") {
		return
	}
	writeJSON(w, http.StatusOK, errs)
}

// GetLastCycle retrieves the most recent cycle
// @Summary Get last cycle
// @Description Retrieve the most recent recorded cycle with its runs
// @Tags cycles
// @Produce json
// @Success 200 {object} model.CycleResult "Cycle result"
// @Failure 404 {string} string "No cycle recorded"
// @Router /cycles/last [get]
func (h *Handler) GetLastCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := h.store.LastCycle(r.Context())
	if !h.check(w, err, "cycle") {
		return
	}
	writeJSON(w, http.StatusOK, cycle)
}

// RunCycle triggers a cycle
// @Summary Trigger a cycle
// @Description Run every feed once and return the cycle result
// @Tags cycles
// @Produce json
// @Success 200 {object} model.CycleResult "Cycle result"
// @Failure 409 {string} string "A cycle is already running"
// @Failure 503 {string} string "No runner attached"
// @Router /cycles [post]
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		http.Error(w, "No runner attached", http.StatusServiceUnavailable)
		return
	}
	// The cycle outlives a disconnecting client so that its runs finish.
	cycle, ok := h.runner.TryRunCycle(context.WithoutCancel(r.Context()))
	if !ok {
		http.Error(w, "A cycle is already running", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, cycle)
}

func (h *Handler) check(w http.ResponseWriter, err error, what string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.WithError(err).Errorf("reading %s", what)
		http.Error(w, "Failed to fetch "+what, http.StatusInternalServerError)
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("encoding response")
	}
}
