package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-ingest-pipeline/internal/model"
)

// ErrNotFound is returned for unknown runs and when no cycle was recorded.
var ErrNotFound = errors.New("not found")

// DefaultRunLimit caps run listings without an explicit limit.
const DefaultRunLimit = 50

// RecordCycle persists a cycle, its runs and their detailed errors.
func (s *DB) RecordCycle(ctx context.Context, cycle *model.CycleResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO cycles (id, status, timed_out, started_at, elapsed_ms) VALUES (?, ?, ?, ?, ?)`,
		cycle.CycleID, string(cycle.Status), cycle.TimedOut, cycle.StartedAt.UTC(), cycle.Elapsed.Milliseconds()); err != nil {
		return fmt.Errorf("saving cycle %s: %w", cycle.CycleID, err)
	}

	for _, run := range cycle.Runs {
		summary := *run
		summary.Errors = nil
		result, err := json.Marshal(&summary)
		if err != nil {
			return fmt.Errorf("encoding run %s: %w", run.RunID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO runs (id, cycle_id, feed, status, failure_cause, result, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, cycle.CycleID, run.Feed, string(run.Status), run.FailureCause, string(result), run.StartedAt.UTC()); err != nil {
			return fmt.Errorf("saving run %s: %w", run.RunID, err)
		}
		for _, e := range run.Errors {
			if _, err := tx.ExecContext(ctx, `INSERT INTO run_errors (run_id, record_key, partition_path, source_partition, source_offset, cause, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				run.RunID, e.RecordKey, e.PartitionPath, e.SourcePartition, e.SourceOffset, string(e.Cause), e.Detail); err != nil {
				return fmt.Errorf("saving errors of run %s: %w", run.RunID, err)
			}
		}
	}
	return tx.Commit()
}

// Runs lists the most recent runs, newest first, optionally for one feed.
func (s *DB) Runs(ctx context.Context, feed string, limit int) ([]*model.RunResult, error) {
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	query := `SELECT result FROM runs ORDER BY started_at DESC LIMIT ?`
	args := []any{limit}
	if feed != "" {
		query = `SELECT result FROM runs WHERE feed = ? ORDER BY started_at DESC LIMIT ?`
		args = []any{feed, limit}
	}
	return s.queryRuns(ctx, query, args...)
}

func (s *DB) queryRuns(ctx context.Context, query string, args ...any) ([]*model.RunResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []*model.RunResult{}
	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return nil, err
		}
		run := &model.RunResult{}
		if err := json.Unmarshal([]byte(result), run); err != nil {
			return nil, fmt.Errorf("decoding run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Run fetches one run by id.
func (s *DB) Run(ctx context.Context, id string) (*model.RunResult, error) {
	var result string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM runs WHERE id = ?`, id).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	run := &model.RunResult{}
	if err := json.Unmarshal([]byte(result), run); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return run, nil
}

// RunErrors returns the detailed errors kept for a run.
func (s *DB) RunErrors(ctx context.Context, id string) ([]model.RecordError, error) {
	if _, err := s.Run(ctx, id); err != nil {
		return nil, err
	}
	var rows []errorRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT record_key, partition_path, source_partition, source_offset, cause, detail
		FROM run_errors WHERE run_id = ? ORDER BY id`, id); err != nil {
		return nil, err
	}

	out := make([]model.RecordError, len(rows))
	for i, row := range rows {
		out[i] = model.RecordError{
			RecordKey:       row.RecordKey,
			PartitionPath:   row.PartitionPath,
			SourcePartition: row.SourcePartition,
			SourceOffset:    row.SourceOffset,
			Cause:           model.ErrorCause(row.Cause),
			Detail:          row.Detail,
		}
	}
	return out, nil
}

type errorRow struct {
	RecordKey       string `db:"record_key"`
	PartitionPath   string `db:"partition_path"`
	SourcePartition int32  `db:"source_partition"`
	SourceOffset    int64  `db:"source_offset"`
	Cause           string `db:"cause"`
	Detail          string `db:"detail"`
}

// LastCycle returns the most recently started cycle with its runs.
func (s *DB) LastCycle(ctx context.Context) (*model.CycleResult, error) {
	cycle := &model.CycleResult{}
	var status string
	var elapsed int64
	err := s.db.QueryRowContext(ctx, `SELECT id, status, timed_out, started_at, elapsed_ms FROM cycles ORDER BY started_at DESC LIMIT 1`).
		Scan(&cycle.CycleID, &status, &cycle.TimedOut, &cycle.StartedAt, &elapsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle: %w", ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	cycle.Status = model.CycleStatus(status)
	cycle.Elapsed = msDuration(elapsed)

	runs, err := s.queryRuns(ctx, `SELECT result FROM runs WHERE cycle_id = ? ORDER BY feed`, cycle.CycleID)
	if err != nil {
		return nil, err
	}
	cycle.Runs = runs
	return cycle, nil
}

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
