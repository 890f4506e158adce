package sink

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"go-ingest-pipeline/internal/model"
)

// DefaultMaxKeyLength is the longest record key a SQL sink accepts.
const DefaultMaxKeyLength = 512

// SQLConfig configures a SQL sink.
type SQLConfig struct {
	// DSN is a file path for sqlite and a connection URI for postgres.
	DSN          string `yaml:"dsn"`
	Table        string `yaml:"table"`
	MaxKeyLength int    `yaml:"maxKeyLength"`
	MaxErrors    int    `yaml:"-"`
}

type dialect struct {
	name        string
	driver      string
	placeholder func(i int) string
	payloadType string
	// recordLevel reports whether a failed statement rejected only the row.
	recordLevel func(err error) bool
}

var sqliteDialect = dialect{
	name:        "sqlite",
	driver:      "sqlite3",
	placeholder: func(int) string { return "?" },
	payloadType: "TEXT",
	recordLevel: func(err error) bool {
		var serr sqlite3.Error
		if !errors.As(err, &serr) {
			return false
		}
		switch serr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig, sqlite3.ErrRange:
			return true
		}
		return false
	},
}

var postgresDialect = dialect{
	name:        "postgres",
	driver:      "pgx",
	placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
	payloadType: "JSONB",
	recordLevel: func(err error) bool {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return false
		}
		// Class 22 data exception, class 23 integrity constraint violation.
		return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
	},
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLite databases are fickle about raced opens of a newly created file.
var sqliteOpenMu sync.Mutex

// SQL upserts records into one table keyed by (record_key, partition_path).
// A commit is one transaction; every record runs inside a savepoint so a
// rejected row is rolled back alone and reported as write_rejected.
type SQL struct {
	db           *stdsql.DB
	d            dialect
	table        string
	upsert       string
	maxKeyLength int
	maxErrors    int
}

// NewSQLite opens a SQLite sink.
func NewSQLite(ctx context.Context, cfg SQLConfig) (*SQL, error) {
	return newSQL(ctx, sqliteDialect, cfg)
}

// NewPostgres opens a Postgres sink through the pgx driver.
func NewPostgres(ctx context.Context, cfg SQLConfig) (*SQL, error) {
	return newSQL(ctx, postgresDialect, cfg)
}

func newSQL(ctx context.Context, d dialect, cfg SQLConfig) (*SQL, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%s sink: dsn is required", d.name)
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%s sink: invalid table name %q", d.name, cfg.Table)
	}
	if cfg.MaxKeyLength <= 0 {
		cfg.MaxKeyLength = DefaultMaxKeyLength
	}

	if d.driver == sqliteDialect.driver {
		sqliteOpenMu.Lock()
		defer sqliteOpenMu.Unlock()
	}
	db, err := stdsql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", d.name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s database: %w", d.name, err)
	}
	if d.driver == sqliteDialect.driver {
		db.SetMaxOpenConns(1)
	}

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		record_key TEXT NOT NULL,
		partition_path TEXT NOT NULL,
		payload %s NOT NULL,
		source_partition INTEGER NOT NULL,
		source_offset BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (record_key, partition_path)
	)`, cfg.Table, d.payloadType)
	if _, err := db.ExecContext(ctx, create); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table %s: %w", cfg.Table, err)
	}

	return &SQL{
		db:           db,
		d:            d,
		table:        cfg.Table,
		upsert:       upsertStatement(d, cfg.Table),
		maxKeyLength: cfg.MaxKeyLength,
		maxErrors:    cfg.MaxErrors,
	}, nil
}

func upsertStatement(d dialect, table string) string {
	cols := []string{"record_key", "partition_path", "payload", "source_partition", "source_offset", "updated_at"}
	params := make([]string, len(cols))
	for i := range cols {
		params[i] = d.placeholder(i + 1)
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT (record_key, partition_path) DO UPDATE SET
		payload = excluded.payload,
		source_partition = excluded.source_partition,
		source_offset = excluded.source_offset,
		updated_at = excluded.updated_at`,
		table, strings.Join(cols, ", "), strings.Join(params, ", "))
}

func (s *SQL) String() string { return s.d.name + ":" + s.table }

// Commit implements pipeline.Sink.
func (s *SQL) Commit(ctx context.Context, records []model.ConvertedRecord) (*model.WriteOutcome, error) {
	start := time.Now()
	outcome := model.NewWriteOutcome(s.maxErrors)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("db.BeginTx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, rec := range records {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(rec.RecordKey) > s.maxKeyLength {
			outcome.MarkFailure(model.NewWriteError(rec, fmt.Errorf("record key of %d bytes exceeds %d", len(rec.RecordKey), s.maxKeyLength)))
			continue
		}
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			outcome.MarkFailure(model.NewWriteError(rec, fmt.Errorf("encoding payload: %w", err)))
			continue
		}

		if _, err := tx.ExecContext(ctx, "SAVEPOINT rec"); err != nil {
			return nil, fmt.Errorf("savepoint: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.upsert, rec.RecordKey, rec.PartitionPath, string(payload), rec.SourcePartition, rec.SourceOffset, now)
		if err != nil {
			if !s.d.recordLevel(err) {
				return nil, fmt.Errorf("upserting record %q: %w", rec.RecordKey, err)
			}
			if _, rerr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT rec"); rerr != nil {
				return nil, fmt.Errorf("rolling back record %q: %w", rec.RecordKey, rerr)
			}
			log.WithFields(log.Fields{"sink": s.String(), "key": rec.RecordKey, "error": err}).Debug("record rejected")
			outcome.MarkFailure(model.NewWriteError(rec, err))
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT rec"); err != nil {
			return nil, fmt.Errorf("release savepoint: %w", err)
		}
		outcome.MarkSuccess()
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	outcome.Elapsed = time.Since(start)
	return outcome, nil
}

// Count returns the number of rows in the table.
func (s *SQL) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&n)
	return n, err
}

func (s *SQL) Close() error { return s.db.Close() }
