// Package sqldb implements the artifact store on SQL databases through
// sqlx, with dialect support for SQLite and PostgreSQL. Each run and
// approval request is a self-contained row; optimistic version checks
// serialize writers per key.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
	"github.com/remedyops/conductor/internal/storage/dialect"
)

// Store is a SQL implementation of ports.Store.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.Store = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite, postgres
	DSN    string // data source name / connection string
}

// New creates a SQL store and initializes the schema.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, stmt := range d.InitStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init statement: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a SQLite-backed store at the given path.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

func (s *Store) initSchema() error {
	d := s.dialect
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS runs (
id TEXT PRIMARY KEY,
pipeline TEXT NOT NULL,
input %[1]s,
current_stage TEXT NOT NULL,
results %[1]s,
status TEXT NOT NULL,
failure_kind TEXT,
error %[1]s,
version BIGINT NOT NULL,
created_at %[2]s NOT NULL,
updated_at %[2]s NOT NULL
)`, d.TextType(), d.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approvals (
id TEXT PRIMARY KEY,
run_id TEXT NOT NULL,
pipeline TEXT NOT NULL,
stage TEXT NOT NULL,
artifact %[1]s,
status TEXT NOT NULL,
decided_by TEXT,
decided_at %[2]s,
rejection_reason %[1]s,
requested_at %[2]s NOT NULL,
expires_at %[2]s NOT NULL,
version BIGINT NOT NULL
)`, d.TextType(), d.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS run_events (
seq %s,
run_id TEXT NOT NULL,
type TEXT NOT NULL,
stage TEXT,
detail %s,
created_at %s NOT NULL
)`, d.AutoIncrementClause(), d.TextType(), d.TimestampType()),
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_expiry ON approvals(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement: %w", err)
		}
	}
	return nil
}

// DB returns the underlying sqlx.DB for advanced operations.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect in use.
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

type runRow struct {
	ID           string         `db:"id"`
	Pipeline     string         `db:"pipeline"`
	Input        sql.NullString `db:"input"`
	CurrentStage string         `db:"current_stage"`
	Results      sql.NullString `db:"results"`
	Status       string         `db:"status"`
	FailureKind  sql.NullString `db:"failure_kind"`
	Error        sql.NullString `db:"error"`
	Version      int64          `db:"version"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *runRow) toDomain() (*domain.Run, error) {
	run := &domain.Run{
		ID:           r.ID,
		Pipeline:     r.Pipeline,
		CurrentStage: r.CurrentStage,
		Status:       domain.RunStatus(r.Status),
		FailureKind:  domain.FailureKind(r.FailureKind.String),
		Error:        r.Error.String,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Input.Valid && r.Input.String != "" {
		run.Input = json.RawMessage(r.Input.String)
	}
	if r.Results.Valid && r.Results.String != "" {
		if err := json.Unmarshal([]byte(r.Results.String), &run.Results); err != nil {
			return nil, fmt.Errorf("unmarshal run results: %w", err)
		}
	}
	return run, nil
}

func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	run.Version = 1

	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("marshal run results: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO runs
(id, pipeline, input, current_stage, results, status, failure_kind, error, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Pipeline, string(run.Input), run.CurrentStage, string(results),
		string(run.Status), string(run.FailureKind), run.Error,
		run.Version, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	var row runRow
	query := s.dialect.Rebind(`SELECT * FROM runs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return row.toDomain()
}

func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("marshal run results: %w", err)
	}
	updatedAt := time.Now().UTC()

	query := s.dialect.Rebind(`UPDATE runs SET
current_stage = ?, results = ?, status = ?, failure_kind = ?, error = ?,
version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`)

	res, err := s.db.ExecContext(ctx, query,
		run.CurrentStage, string(results), string(run.Status),
		string(run.FailureKind), run.Error, updatedAt,
		run.ID, run.Version)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if affected == 0 {
		// Either the run is gone or another writer got there first.
		if _, getErr := s.GetRun(ctx, run.ID); getErr != nil {
			return getErr
		}
		return domain.ErrVersionConflict
	}

	run.Version++
	run.UpdatedAt = updatedAt
	return nil
}

func (s *Store) ListRuns(ctx context.Context, opts ports.RunListOptions) ([]*domain.Run, error) {
	var (
		clauses []string
		args    []any
	)
	if opts.Pipeline != "" {
		clauses = append(clauses, "pipeline = ?")
		args = append(args, opts.Pipeline)
	}
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}

	query := `SELECT * FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]*domain.Run, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
