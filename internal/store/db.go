package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"go-ingest-pipeline/internal/model"
)

// DB keeps checkpoints and run history in one SQLite database.
type DB struct {
	db *sqlx.DB
}

var schema = []string{`
	CREATE TABLE IF NOT EXISTS checkpoints (
		key TEXT PRIMARY KEY,
		offsets TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);`, `
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		timed_out INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		elapsed_ms INTEGER NOT NULL
	);`, `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		cycle_id TEXT NOT NULL,
		feed TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_cause TEXT,
		result TEXT NOT NULL,
		started_at DATETIME NOT NULL
	);`, `
	CREATE INDEX IF NOT EXISTS runs_by_feed ON runs (feed, started_at);`, `
	CREATE TABLE IF NOT EXISTS run_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		record_key TEXT,
		partition_path TEXT,
		source_partition INTEGER,
		source_offset INTEGER,
		cause TEXT NOT NULL,
		detail TEXT
	);`,
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*DB, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (s *DB) Close() error { return s.db.Close() }

// Get returns the checkpoint of key, nil when none was committed yet.
func (s *DB) Get(ctx context.Context, key string) (*model.Checkpoint, error) {
	return getCheckpoint(ctx, s.db, key)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCheckpoint(ctx context.Context, q queryer, key string) (*model.Checkpoint, error) {
	var offsets string
	cp := &model.Checkpoint{}
	err := q.QueryRowContext(ctx, `SELECT offsets, version, updated_at FROM checkpoints WHERE key = ?`, key).
		Scan(&offsets, &cp.Version, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("querying checkpoint %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(offsets), &cp.Offsets); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %q: %w", key, err)
	}
	return cp, nil
}

// CompareAndSet stores next for key if the stored version is still prior's.
// A checkpoint moving any partition backwards is refused.
func (s *DB) CompareAndSet(ctx context.Context, key string, prior, next *model.Checkpoint) (*model.Checkpoint, error) {
	offsets, err := json.Marshal(next.Offsets)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint %q: %w", key, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getCheckpoint(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(current, prior, next); err != nil {
		return nil, err
	}

	stored := &model.Checkpoint{Offsets: next.Offsets, UpdatedAt: time.Now().UTC()}
	if current == nil {
		stored.Version = 1
		_, err = tx.ExecContext(ctx, `INSERT INTO checkpoints (key, offsets, version, updated_at) VALUES (?, ?, ?, ?)`,
			key, string(offsets), stored.Version, stored.UpdatedAt)
	} else {
		stored.Version = current.Version + 1
		_, err = tx.ExecContext(ctx, `UPDATE checkpoints SET offsets = ?, version = ?, updated_at = ? WHERE key = ? AND version = ?`,
			string(offsets), stored.Version, stored.UpdatedAt, key, current.Version)
	}
	if err != nil {
		return nil, fmt.Errorf("writing checkpoint %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing checkpoint %q: %w", key, err)
	}
	return stored, nil
}

// checkTransition verifies that current is still prior and that next does not
// move backwards from it.
func checkTransition(current, prior, next *model.Checkpoint) error {
	var want, have int64
	if prior != nil {
		want = prior.Version
	}
	if current != nil {
		have = current.Version
	}
	if want != have {
		return fmt.Errorf("%w: expected version %d, stored %d", model.ErrCheckpointConflict, want, have)
	}
	if next == nil {
		return errors.New("nil checkpoint")
	}
	return next.NotBefore(current)
}

// Checkpoints returns every stored checkpoint by key.
func (s *DB) Checkpoints(ctx context.Context) (map[string]*model.Checkpoint, error) {
	var rows []checkpointRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT key, offsets, version, updated_at FROM checkpoints ORDER BY key`); err != nil {
		return nil, err
	}

	out := make(map[string]*model.Checkpoint, len(rows))
	for _, row := range rows {
		cp := &model.Checkpoint{Version: row.Version, UpdatedAt: row.UpdatedAt}
		if err := json.Unmarshal([]byte(row.Offsets), &cp.Offsets); err != nil {
			return nil, fmt.Errorf("decoding checkpoint %q: %w", row.Key, err)
		}
		out[row.Key] = cp
	}
	return out, nil
}

type checkpointRow struct {
	Key       string    `db:"key"`
	Offsets   string    `db:"offsets"`
	Version   int64     `db:"version"`
	UpdatedAt time.Time `db:"updated_at"`
}
