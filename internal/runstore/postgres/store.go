// Package postgres stores run records in PostgreSQL via a pgx pool.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"mlprep/internal/runstore"
)

func init() {
	runstore.Register("postgres", New)
}

const (
	runsTable     = "runs"
	runStepsTable = "run_steps"
)

var runColumns = []string{
	"id", "config_name", "config_version", "run_ts", "dataset_file",
	"rows_in", "rows_out", "train_rows", "validation_rows",
	"library_accuracy", "manual_accuracy", "status", "error",
	"started_at", "finished_at",
}

var stepColumns = []string{
	"run_id", "seq", "operation", "row_count", "col_count", "duration_ms",
}

// Store is the Postgres-backed run repository. Timestamps are stored as
// TIMESTAMPTZ; pgx encodes time.Time natively.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool to the DSN and ensures the runs and run_steps tables
// exist.
func New(ctx context.Context, dsn string) (runstore.Repository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	for _, ddl := range []string{createRunsSQL(), createRunStepsSQL()} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return &Store{pool: pool}, nil
}

// SaveRun inserts the run row and all of its step rows in one transaction.
func (s *Store) SaveRun(ctx context.Context, rec *runstore.RunRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertRunSQL(), runArgs(rec)...); err != nil {
		return fmt.Errorf("postgres: insert run: %w", err)
	}
	if len(rec.Steps) > 0 {
		q, args := insertStepsSQL(rec.ID, rec.Steps)
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("postgres: insert steps: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Close drains and closes the connection pool.
func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

// createRunsSQL returns idempotent DDL for the runs table.
func createRunsSQL() string {
	defs := []string{
		pgIdent("id") + " TEXT PRIMARY KEY",
		pgIdent("config_name") + " TEXT NOT NULL",
		pgIdent("config_version") + " TEXT NOT NULL",
		pgIdent("run_ts") + " TEXT NOT NULL",
		pgIdent("dataset_file") + " TEXT NOT NULL",
		pgIdent("rows_in") + " BIGINT NOT NULL",
		pgIdent("rows_out") + " BIGINT NOT NULL",
		pgIdent("train_rows") + " BIGINT NOT NULL",
		pgIdent("validation_rows") + " BIGINT NOT NULL",
		pgIdent("library_accuracy") + " DOUBLE PRECISION NOT NULL",
		pgIdent("manual_accuracy") + " DOUBLE PRECISION NOT NULL",
		pgIdent("status") + " TEXT NOT NULL",
		pgIdent("error") + " TEXT NOT NULL",
		pgIdent("started_at") + " TIMESTAMPTZ NOT NULL",
		pgIdent("finished_at") + " TIMESTAMPTZ NOT NULL",
	}
	return createTableSQL(runsTable, defs)
}

// createRunStepsSQL returns idempotent DDL for the run_steps table.
func createRunStepsSQL() string {
	defs := []string{
		pgIdent("run_id") + " TEXT NOT NULL",
		pgIdent("seq") + " INTEGER NOT NULL",
		pgIdent("operation") + " TEXT NOT NULL",
		pgIdent("row_count") + " BIGINT NOT NULL",
		pgIdent("col_count") + " BIGINT NOT NULL",
		pgIdent("duration_ms") + " BIGINT NOT NULL",
		fmt.Sprintf("PRIMARY KEY (%s, %s)", pgIdent("run_id"), pgIdent("seq")),
	}
	return createTableSQL(runStepsTable, defs)
}

func createTableSQL(table string, defs []string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", pgIdent(table), strings.Join(defs, ",\n  "))
}

// insertRunSQL returns the parameterized insert for one run row. Argument
// order matches runColumns; see runArgs.
func insertRunSQL() string {
	cols := make([]string, len(runColumns))
	marks := make([]string, len(runColumns))
	for i, c := range runColumns {
		cols[i] = pgIdent(c)
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		pgIdent(runsTable), strings.Join(cols, ", "), strings.Join(marks, ", "),
	)
}

// insertStepsSQL returns one multi-row insert covering every step, plus its
// flattened arguments. Placeholders are numbered continuously across rows.
func insertStepsSQL(runID string, steps []runstore.StepRecord) (string, []any) {
	cols := make([]string, len(stepColumns))
	for i, c := range stepColumns {
		cols[i] = pgIdent(c)
	}

	rows := make([]string, len(steps))
	args := make([]any, 0, len(steps)*len(stepColumns))
	p := 1
	for i, st := range steps {
		marks := make([]string, len(stepColumns))
		for j := range stepColumns {
			marks[j] = fmt.Sprintf("$%d", p)
			p++
		}
		rows[i] = "(" + strings.Join(marks, ", ") + ")"
		args = append(args, runID, st.Seq, st.Operation, st.Rows, st.Cols, st.DurationMS)
	}

	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s",
		pgIdent(runStepsTable), strings.Join(cols, ", "), strings.Join(rows, ", "),
	)
	return q, args
}

// runArgs flattens a record into insert arguments ordered like runColumns.
func runArgs(rec *runstore.RunRecord) []any {
	return []any{
		rec.ID, rec.ConfigName, rec.Version, rec.RunTimestamp, rec.DatasetFile,
		rec.RowsIn, rec.RowsOut, rec.TrainRows, rec.ValidationRows,
		rec.LibraryAccuracy, rec.ManualAccuracy, rec.Status, rec.Error,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
	}
}

// pgIdent double-quotes an identifier, doubling embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
