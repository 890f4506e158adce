package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-ingest-pipeline/internal/model"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := New(TypeSQLite, filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	mem, err := New(TypeMemory, "")
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
		mem.Close()
	})
	return map[string]Store{"sqlite": db, "memory": mem}
}

func TestNew(t *testing.T) {
	_, err := New("redis", "")
	require.ErrorContains(t, err, "unknown store type")

	st, err := New(TypeSQLite, "")
	require.Error(t, err)
	require.Nil(t, st)
}

func TestCompareAndSet(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			cp, err := st.Get(ctx, "orders")
			require.NoError(t, err)
			require.Nil(t, cp)

			first, err := st.CompareAndSet(ctx, "orders", nil, &model.Checkpoint{Offsets: map[int32]int64{0: 100, 1: 5}})
			require.NoError(t, err)
			require.Equal(t, int64(1), first.Version)

			got, err := st.Get(ctx, "orders")
			require.NoError(t, err)
			require.Equal(t, map[int32]int64{0: 100, 1: 5}, got.Offsets)
			require.Equal(t, int64(1), got.Version)

			second, err := st.CompareAndSet(ctx, "orders", got, got.Advance(model.WorkUnit{Ranges: []model.PartitionRange{{Partition: 0, Start: 100, End: 150}}}))
			require.NoError(t, err)
			require.Equal(t, int64(2), second.Version)
			require.Equal(t, int64(150), second.Offsets[0])

			// A stale prior loses.
			_, err = st.CompareAndSet(ctx, "orders", got, got.Advance(model.WorkUnit{Ranges: []model.PartitionRange{{Partition: 0, Start: 100, End: 120}}}))
			require.ErrorIs(t, err, model.ErrCheckpointConflict)

			// Creating an existing key loses too.
			_, err = st.CompareAndSet(ctx, "orders", nil, &model.Checkpoint{Offsets: map[int32]int64{0: 1}})
			require.ErrorIs(t, err, model.ErrCheckpointConflict)

			// Offsets never move backwards.
			_, err = st.CompareAndSet(ctx, "orders", second, &model.Checkpoint{Offsets: map[int32]int64{0: 149, 1: 5}})
			require.ErrorContains(t, err, "backwards")

			got, err = st.Get(ctx, "orders")
			require.NoError(t, err)
			require.Equal(t, int64(2), got.Version)
			require.Equal(t, int64(150), got.Offsets[0])

			_, err = st.CompareAndSet(ctx, "payments", nil, &model.Checkpoint{Offsets: map[int32]int64{0: 7}})
			require.NoError(t, err)
			all, err := st.Checkpoints(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			require.Equal(t, int64(7), all["payments"].Offsets[0])
		})
	}
}

func cycleAt(id string, at time.Time, runs ...*model.RunResult) *model.CycleResult {
	return &model.CycleResult{CycleID: id, Status: model.CyclePartial, StartedAt: at, Elapsed: 1500 * time.Millisecond, Runs: runs}
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.LastCycle(ctx)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = st.Run(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = st.RunErrors(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			failed := &model.RunResult{
				RunID:        "r2",
				Feed:         "orders",
				Status:       model.RunFailed,
				StartedAt:    base.Add(time.Second),
				FailureCause: "tolerance_exceeded",
				Errors: []model.RecordError{
					{SourcePartition: 0, SourceOffset: 3, Cause: model.CauseMissingField, Detail: "record key: field id is missing"},
					{RecordKey: "k9", PartitionPath: "eu", SourceOffset: 9, Cause: model.CauseMalformedValue, Detail: "bad"},
				},
			}
			ok := &model.RunResult{RunID: "r1", Feed: "payments", Status: model.RunSuccess, StartedAt: base, RecordsWritten: 42}
			require.NoError(t, st.RecordCycle(ctx, cycleAt("c1", base, ok, failed)))

			later := &model.RunResult{RunID: "r3", Feed: "orders", Status: model.RunSuccess, StartedAt: base.Add(time.Minute)}
			require.NoError(t, st.RecordCycle(ctx, cycleAt("c2", base.Add(time.Minute), later)))

			runs, err := st.Runs(ctx, "", 0)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			require.Equal(t, "r3", runs[0].RunID)

			runs, err = st.Runs(ctx, "orders", 1)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			require.Equal(t, "r3", runs[0].RunID)

			run, err := st.Run(ctx, "r1")
			require.NoError(t, err)
			require.Equal(t, int64(42), run.RecordsWritten)
			require.Equal(t, model.RunSuccess, run.Status)

			errs, err := st.RunErrors(ctx, "r2")
			require.NoError(t, err)
			require.Equal(t, failed.Errors, errs)

			last, err := st.LastCycle(ctx)
			require.NoError(t, err)
			require.Equal(t, "c2", last.CycleID)
			require.Equal(t, model.CyclePartial, last.Status)
			require.Equal(t, 1500*time.Millisecond, last.Elapsed)
			require.Len(t, last.Runs, 1)
			require.Equal(t, "r3", last.Runs[0].RunID)
		})
	}
}
