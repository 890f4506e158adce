package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-ingest-pipeline/internal/model"
)

// Memory is an in-process checkpoint store and run history with the same
// semantics as DB. Nothing survives the process.
type Memory struct {
	mu          sync.Mutex
	checkpoints map[string]*model.Checkpoint
	cycles      []*model.CycleResult
	runs        map[string]*model.RunResult
	order       []string
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		checkpoints: make(map[string]*model.Checkpoint),
		runs:        make(map[string]*model.RunResult),
	}
}

func cloneCheckpoint(cp *model.Checkpoint) *model.Checkpoint {
	if cp == nil {
		return nil
	}
	out := *cp
	out.Offsets = make(map[int32]int64, len(cp.Offsets))
	for p, off := range cp.Offsets {
		out.Offsets[p] = off
	}
	return &out
}

func (m *Memory) Get(_ context.Context, key string) (*model.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneCheckpoint(m.checkpoints[key]), nil
}

func (m *Memory) CompareAndSet(_ context.Context, key string, prior, next *model.Checkpoint) (*model.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.checkpoints[key]
	if err := checkTransition(current, prior, next); err != nil {
		return nil, err
	}
	stored := cloneCheckpoint(next)
	stored.Version = 1
	if current != nil {
		stored.Version = current.Version + 1
	}
	stored.UpdatedAt = time.Now().UTC()
	m.checkpoints[key] = stored
	return cloneCheckpoint(stored), nil
}

func (m *Memory) Checkpoints(context.Context) (map[string]*model.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*model.Checkpoint, len(m.checkpoints))
	for k, cp := range m.checkpoints {
		out[k] = cloneCheckpoint(cp)
	}
	return out, nil
}

func (m *Memory) RecordCycle(_ context.Context, cycle *model.CycleResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles = append(m.cycles, cycle)
	for _, r := range cycle.Runs {
		m.runs[r.RunID] = r
		m.order = append(m.order, r.RunID)
	}
	return nil
}

func (m *Memory) Runs(_ context.Context, feed string, limit int) ([]*model.RunResult, error) {
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.RunResult{}
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.runs[m.order[i]]
		if feed == "" || r.Feed == feed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Run(_ context.Context, id string) (*model.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) RunErrors(ctx context.Context, id string) ([]model.RecordError, error) {
	r, err := m.Run(ctx, id)
	if err != nil {
		return nil, err
	}
	return append([]model.RecordError{}, r.Errors...), nil
}

func (m *Memory) LastCycle(context.Context) (*model.CycleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cycles) == 0 {
		return nil, fmt.Errorf("cycle: %w", ErrNotFound)
	}
	last := *m.cycles[len(m.cycles)-1]
	last.Runs = append([]*model.RunResult(nil), last.Runs...)
	sort.Slice(last.Runs, func(i, j int) bool { return last.Runs[i].Feed < last.Runs[j].Feed })
	return &last, nil
}

func (m *Memory) Close() error { return nil }
