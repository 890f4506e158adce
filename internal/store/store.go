package store

import (
	"context"
	"fmt"

	"go-ingest-pipeline/internal/model"
)

// Store is a checkpoint store that also keeps the run history.
type Store interface {
	Get(ctx context.Context, key string) (*model.Checkpoint, error)
	CompareAndSet(ctx context.Context, key string, prior, next *model.Checkpoint) (*model.Checkpoint, error)
	Checkpoints(ctx context.Context) (map[string]*model.Checkpoint, error)

	RecordCycle(ctx context.Context, cycle *model.CycleResult) error
	Runs(ctx context.Context, feed string, limit int) ([]*model.RunResult, error)
	Run(ctx context.Context, id string) (*model.RunResult, error)
	RunErrors(ctx context.Context, id string) ([]model.RecordError, error)
	LastCycle(ctx context.Context) (*model.CycleResult, error)

	Close() error
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*Memory)(nil)
)

// Store types.
const (
	TypeSQLite = "sqlite"
	TypeMemory = "memory"
)

// New opens a store of the given type.
func New(kind, path string) (Store, error) {
	switch kind {
	case TypeSQLite, "":
		if path == "" {
			return nil, fmt.Errorf("sqlite store requires a path")
		}
		db, err := Open(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case TypeMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store type %q", kind)
}
