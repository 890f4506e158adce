package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-ingest-pipeline/internal/metrics"
	"go-ingest-pipeline/internal/model"
	"go-ingest-pipeline/internal/store"
)

type recordingHistory struct {
	mu     sync.Mutex
	cycles []*model.CycleResult
	err    error
}

func (h *recordingHistory) RecordCycle(_ context.Context, c *model.CycleResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cycles = append(h.cycles, c)
	return h.err
}

func newFeed(t *testing.T, name string, st CheckpointStore, reporters *metrics.Reporters) (*Coordinator, *fakeSource, *fakeSink) {
	t.Helper()
	src, snk := newFakeSource(), newFakeSink()
	conv, err := NewFieldConverter(ConverterConfig{RecordKeyField: "id", PartitionPathField: "region"})
	require.NoError(t, err)
	c, err := NewCoordinator(model.Feed{Name: name}, src, conv, snk, st, reporters, CoordinatorOptions{MaxUnitSize: 1000})
	require.NoError(t, err)
	return c, src, snk
}

func TestNewManagerValidation(t *testing.T) {
	st := store.NewMemory()
	a, _, _ := newFeed(t, "a", st, nil)
	dup, _, _ := newFeed(t, "a", st, nil)

	_, err := NewManager(nil, ManagerOptions{})
	require.Equal(t, CauseConfiguration, Classify(err))

	_, err = NewManager([]*Coordinator{a, dup}, ManagerOptions{Timeout: -1, Parallelism: -1})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	// timeout, parallelism, name, key
	require.Equal(t, 4, cfgErr.Len())

	srcA, snkA := newFakeSource(), newFakeSink()
	conv, err := NewFieldConverter(ConverterConfig{RecordKeyField: "id", PartitionPathField: "region"})
	require.NoError(t, err)
	shared, err := NewCoordinator(model.Feed{Name: "b", CheckpointKey: "a"}, srcA, conv, snkA, st, nil, CoordinatorOptions{MaxUnitSize: 1})
	require.NoError(t, err)
	_, err = NewManager([]*Coordinator{a, shared}, ManagerOptions{})
	require.ErrorContains(t, err, `share checkpoint key "a"`)
}

func TestManagerCycle(t *testing.T) {
	st := store.NewMemory()
	recorder := &metrics.Recorder{}
	reporters := metrics.NewReporters(recorder)
	history := &recordingHistory{}

	good, goodSrc, _ := newFeed(t, "good", st, reporters)
	goodSrc.add(0, 10, nil)
	bad, badSrc, _ := newFeed(t, "bad", st, reporters)
	badSrc.add(0, 10, nil)
	badSrc.readErr = errors.New("broker down")

	m, err := NewManager([]*Coordinator{good, bad}, ManagerOptions{Reporters: reporters, History: history})
	require.NoError(t, err)
	require.Equal(t, []model.Feed{{Name: "good"}, {Name: "bad"}}, m.Feeds())
	require.Nil(t, m.LastCycle())

	cycle := m.RunCycle(context.Background())
	require.Equal(t, model.CyclePartial, cycle.Status)
	require.Equal(t, 1, cycle.ExitCode())
	require.Len(t, cycle.Runs, 2)
	require.Equal(t, "good", cycle.Runs[0].Feed)
	require.Equal(t, model.RunSuccess, cycle.Runs[0].Status)
	require.Equal(t, model.RunFailed, cycle.Runs[1].Status)
	require.False(t, cycle.TimedOut)
	require.Same(t, cycle, m.LastCycle())

	require.Len(t, history.cycles, 1)
	require.Equal(t, 1, recorder.Finished())
	status := recorder.Find(metrics.CycleStatus, map[string]string{metrics.TagStatus: string(model.CyclePartial)})
	require.Len(t, status, 1)
	require.Equal(t, 1.0, status[0].Value)
	require.Len(t, recorder.Find(metrics.CycleLatency, nil), 1)

	// The good feed caught up; the bad one still fails.
	badSrc.readErr = nil
	cycle = m.RunCycle(context.Background())
	require.Equal(t, model.CycleAllSuccess, cycle.Status)
	require.True(t, cycle.Runs[0].NoOp)
	require.Equal(t, model.RunSuccess, cycle.Runs[1].Status)
}

func TestManagerAllFailed(t *testing.T) {
	st := store.NewMemory()
	a, srcA, _ := newFeed(t, "a", st, nil)
	srcA.rangeErr = errors.New("down")
	b, srcB, _ := newFeed(t, "b", st, nil)
	srcB.rangeErr = errors.New("down")

	m, err := NewManager([]*Coordinator{a, b}, ManagerOptions{Parallelism: 1})
	require.NoError(t, err)
	cycle := m.RunCycle(context.Background())
	require.Equal(t, model.CycleAllFailed, cycle.Status)
	require.Equal(t, 2, cycle.ExitCode())
	require.Equal(t, 2, cycle.Failed())
}

func TestManagerTimeout(t *testing.T) {
	st := store.NewMemory()
	recorder := &metrics.Recorder{}
	reporters := metrics.NewReporters(recorder)

	slow, slowSrc, _ := newFeed(t, "slow", st, reporters)
	slowSrc.add(0, 5, nil)
	slowSrc.block = true
	fast, fastSrc, _ := newFeed(t, "fast", st, reporters)
	fastSrc.add(0, 5, nil)

	m, err := NewManager([]*Coordinator{fast, slow}, ManagerOptions{Timeout: 50 * time.Millisecond, Reporters: reporters})
	require.NoError(t, err)

	cycle := m.RunCycle(context.Background())
	require.True(t, cycle.TimedOut)
	require.Equal(t, model.CyclePartial, cycle.Status)
	require.Equal(t, model.RunSuccess, cycle.Runs[0].Status)
	require.Equal(t, string(CauseTimeout), cycle.Runs[1].FailureCause)
	require.Len(t, recorder.Find(metrics.CycleError, map[string]string{
		metrics.TagModule: ModuleManager,
		metrics.TagCause:  string(CauseTimeout),
	}), 1)

	cp, err := st.Get(context.Background(), "slow")
	require.NoError(t, err)
	require.Nil(t, cp, "an aborted run never advances")
}

func TestManagerTryRunCycle(t *testing.T) {
	st := store.NewMemory()
	c, src, _ := newFeed(t, "a", st, nil)
	src.add(0, 1, nil)
	src.block = true

	m, err := NewManager([]*Coordinator{c}, ManagerOptions{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	done := make(chan *model.CycleResult)
	go func() { done <- m.RunCycle(context.Background()) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.reads) == 1
	}, time.Second, time.Millisecond)

	_, ok := m.TryRunCycle(context.Background())
	require.False(t, ok, "a cycle is in progress")

	<-done
	src.mu.Lock()
	src.block = false
	src.mu.Unlock()
	cycle, ok := m.TryRunCycle(context.Background())
	require.True(t, ok)
	require.Equal(t, model.CycleAllSuccess, cycle.Status)
}

func TestManagerHistoryFailureIsLogged(t *testing.T) {
	st := store.NewMemory()
	c, _, _ := newFeed(t, "a", st, nil)
	m, err := NewManager([]*Coordinator{c}, ManagerOptions{History: &recordingHistory{err: errors.New("disk full")}})
	require.NoError(t, err)
	require.Equal(t, model.CycleAllSuccess, m.RunCycle(context.Background()).Status)
}
