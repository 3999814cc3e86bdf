// Package sqlite stores run records in a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mlprep/internal/runstore"
)

func init() {
	runstore.Register("sqlite", New)
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

// Store is the SQLite-backed run repository.
//
// Timestamps are stored as RFC3339Nano TEXT in UTC, which keeps rows
// readable in the sqlite3 shell and sorts lexicographically.
type Store struct {
	db *sql.DB
}

// New opens (creating it if needed) the database file named by the DSN and
// ensures the runs and run_steps tables exist.
func New(ctx context.Context, dsn string) (runstore.Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite: dsn is empty")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, ddl := range []string{createRunsSQL(), createRunStepsSQL()} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: ensure schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// SaveRun inserts the run row and all of its step rows in one transaction.
func (s *Store) SaveRun(ctx context.Context, rec *runstore.RunRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertRunSQL(), runArgs(rec)...); err != nil {
		return fmt.Errorf("sqlite: insert run: %w", err)
	}
	if len(rec.Steps) > 0 {
		q, args := insertStepsSQL(rec.ID, rec.Steps)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("sqlite: insert steps: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

// createRunsSQL returns idempotent DDL for the runs table.
func createRunsSQL() string {
	defs := []string{
		sqlIdent("id") + " TEXT PRIMARY KEY",
		sqlIdent("config_name") + " TEXT NOT NULL",
		sqlIdent("config_version") + " TEXT NOT NULL",
		sqlIdent("run_ts") + " TEXT NOT NULL",
		sqlIdent("dataset_file") + " TEXT NOT NULL",
		sqlIdent("rows_in") + " INTEGER NOT NULL",
		sqlIdent("rows_out") + " INTEGER NOT NULL",
		sqlIdent("train_rows") + " INTEGER NOT NULL",
		sqlIdent("validation_rows") + " INTEGER NOT NULL",
		sqlIdent("library_accuracy") + " REAL NOT NULL",
		sqlIdent("manual_accuracy") + " REAL NOT NULL",
		sqlIdent("status") + " TEXT NOT NULL",
		sqlIdent("error") + " TEXT NOT NULL",
		sqlIdent("started_at") + " TEXT NOT NULL",
		sqlIdent("finished_at") + " TEXT NOT NULL",
	}
	return createTableSQL(runsTable, defs)
}

// createRunStepsSQL returns idempotent DDL for the run_steps table.
func createRunStepsSQL() string {
	defs := []string{
		sqlIdent("run_id") + " TEXT NOT NULL",
		sqlIdent("seq") + " INTEGER NOT NULL",
		sqlIdent("operation") + " TEXT NOT NULL",
		sqlIdent("row_count") + " INTEGER NOT NULL",
		sqlIdent("col_count") + " INTEGER NOT NULL",
		sqlIdent("duration_ms") + " INTEGER NOT NULL",
		fmt.Sprintf("PRIMARY KEY (%s, %s)", sqlIdent("run_id"), sqlIdent("seq")),
	}
	return createTableSQL(runStepsTable, defs)
}

func createTableSQL(table string, defs []string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(table), strings.Join(defs, ",\n  "))
}

// insertRunSQL returns the parameterized insert for one run row. Argument
// order matches runColumns; see runArgs.
func insertRunSQL() string {
	cols := make([]string, len(runColumns))
	for i, c := range runColumns {
		cols[i] = sqlIdent(c)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s;",
		sqlIdent(runsTable), strings.Join(cols, ", "), placeholderRow(len(runColumns)),
	)
}

// insertStepsSQL returns one multi-row insert covering every step, plus its
// flattened arguments.
func insertStepsSQL(runID string, steps []runstore.StepRecord) (string, []any) {
	cols := make([]string, len(stepColumns))
	for i, c := range stepColumns {
		cols[i] = sqlIdent(c)
	}

	rows := make([]string, len(steps))
	args := make([]any, 0, len(steps)*len(stepColumns))
	for i, st := range steps {
		rows[i] = placeholderRow(len(stepColumns))
		args = append(args, runID, st.Seq, st.Operation, st.Rows, st.Cols, st.DurationMS)
	}

	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s;",
		sqlIdent(runStepsTable), strings.Join(cols, ", "), strings.Join(rows, ", "),
	)
	return q, args
}

// runArgs flattens a record into insert arguments ordered like runColumns.
func runArgs(rec *runstore.RunRecord) []any {
	return []any{
		rec.ID, rec.ConfigName, rec.Version, rec.RunTimestamp, rec.DatasetFile,
		rec.RowsIn, rec.RowsOut, rec.TrainRows, rec.ValidationRows,
		rec.LibraryAccuracy, rec.ManualAccuracy, rec.Status, rec.Error,
		formatSQLiteTime(rec.StartedAt), formatSQLiteTime(rec.FinishedAt),
	}
}

func placeholderRow(n int) string {
	return "(" + strings.Repeat("?, ", n-1) + "?)"
}

// formatSQLiteTime renders t as RFC3339Nano TEXT in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// sqlIdent double-quotes an identifier, doubling embedded quotes.
func sqlIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
