package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"go-ingest-pipeline/internal/api"
	"go-ingest-pipeline/internal/api/handler"
	"go-ingest-pipeline/internal/model"
	"go-ingest-pipeline/internal/store"
	"go-ingest-pipeline/pkg/router"
)

type fakeRunner struct {
	busy   bool
	cycles int
}

func (f *fakeRunner) TryRunCycle(ctx context.Context) (*model.CycleResult, bool) {
	if f.busy {
		return nil, false
	}
	f.cycles++
	return &model.CycleResult{CycleID: "triggered", Status: model.CycleAllSuccess}, true
}

var feeds = []model.Feed{
	{Name: "orders", Source: model.Descriptor{Type: "file", Target: "orders.jsonl"}},
	{Name: "billing", CheckpointKey: "billing-v2"},
}

func setup(t *testing.T, runner handler.Runner) (http.Handler, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.CompareAndSet(ctx, "orders", nil, &model.Checkpoint{Offsets: map[int32]int64{0: 42}})
	require.NoError(t, err)
	require.NoError(t, st.RecordCycle(ctx, &model.CycleResult{
		CycleID: "c1",
		Status:  model.CyclePartial,
		Runs: []*model.RunResult{
			{RunID: "r1", Feed: "orders", Status: model.RunSuccess},
			{RunID: "r2", Feed: "billing", Status: model.RunFailed, Errors: []model.RecordError{
				{RecordKey: "k", Cause: model.CauseWriteRejected, Detail: "constraint"},
			}},
		},
	}))

	r := router.New()
	api.RegisterRoutes(r, handler.New(st, feeds, runner))
	return r.Handler(), st
}

func get(t *testing.T, h http.Handler, method, path string, out any) int {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	if out != nil && w.Code == http.StatusOK {
		require.Equal(t, "application/json", w.Header().Get("Content-Type"))
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

func TestFeeds(t *testing.T) {
	h, _ := setup(t, nil)

	var list []handler.FeedStatus
	require.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/api/v1/feeds", &list))
	require.Len(t, list, 2)
	require.Equal(t, "orders", list[0].Feed.Name)
	require.Equal(t, int64(42), list[0].Checkpoint.Offsets[0])
	require.Nil(t, list[1].Checkpoint)

	var cp model.Checkpoint
	require.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/api/v1/feeds/orders/checkpoint", &cp))
	require.Equal(t, int64(1), cp.Version)
	require.Equal(t, http.StatusNotFound, get(t, h, http.MethodGet, "/api/v1/feeds/billing/checkpoint", nil))
	require.Equal(t, http.StatusNotFound, get(t, h, http.MethodGet, "/api/v1/feeds/unknown/checkpoint", nil))
}

func TestRuns(t *testing.T) {
	h, _ := setup(t, nil)

	var runs []*model.RunResult
	require.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/api/v1/runs", &runs))
	require.Len(t, runs, 2)
	require.Equal(t, "r2", runs[0].RunID)

	require.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/api/v1/runs?feed=orders&limit=5", &runs))
	require.Len(t, runs, 1)
	require.Equal(t, http.StatusBadRequest, get(t, h, http.MethodGet, "/api/v1/runs?limit=0", nil))

	var run model.RunResult
	require.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/api/v1/runs/r1", &run))
	require.Equal(t, model.RunSuccess, run.Status)
	require.Equal(t, http.StatusNotFound, get(t, h, http.MethodGet, "/api/v1/runs/missing", nil))

	var errs []model.RecordError
	require.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/api/v1/runs/r2/errors", &errs))
	require.Len(t, errs, 1)
	require.Equal(t, model.CauseWriteRejected, errs[0].Cause)
}

func TestCycles(t *testing.T) {
	runner := &fakeRunner{}
	h, _ := setup(t, runner)

	var cycle model.CycleResult
	require.Equal(t, http.StatusOK, get(t, h, http.MethodGet, "/api/v1/cycles/last", &cycle))
	require.Equal(t, "c1", cycle.CycleID)
	require.Equal(t, "billing", cycle.Runs[0].Feed)

	require.Equal(t, http.StatusOK, get(t, h, http.MethodPost, "/api/v1/cycles", &cycle))
	require.Equal(t, "triggered", cycle.CycleID)
	require.Equal(t, 1, runner.cycles)

	runner.busy = true
	require.Equal(t, http.StatusConflict, get(t, h, http.MethodPost, "/api/v1/cycles", nil))
	require.Equal(t, http.StatusMethodNotAllowed, get(t, h, http.MethodGet, "/api/v1/cycles", nil))
}

func TestCyclesWithoutRunner(t *testing.T) {
	h, _ := setup(t, nil)
	require.Equal(t, http.StatusServiceUnavailable, get(t, h, http.MethodPost, "/api/v1/cycles", nil))

	empty := router.New()
	api.RegisterRoutes(empty, handler.New(store.NewMemory(), nil, nil))
	require.Equal(t, http.StatusNotFound, get(t, empty.Handler(), http.MethodGet, "/api/v1/cycles/last", nil))
}

func TestSwagger(t *testing.T) {
	h, _ := setup(t, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "/feeds")
}
