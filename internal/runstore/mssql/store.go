// Package mssql stores run records in Microsoft SQL Server.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"mlprep/internal/runstore"
)

func init() {
	runstore.Register("mssql", New)
}

const (
	runsTable     = "runs"
	runStepsTable = "run_steps"
)

// SQL Server has a hard limit of 2100 parameters per statement. Each step
// row uses len(stepColumns) parameters; this chunk size stays well below it.
const stepChunkSize = 300

var runColumns = []string{
	"id", "config_name", "config_version", "run_ts", "dataset_file",
	"rows_in", "rows_out", "train_rows", "validation_rows",
	"library_accuracy", "manual_accuracy", "status", "error",
	"started_at", "finished_at",
}

var stepColumns = []string{
	"run_id", "seq", "operation", "row_count", "col_count", "duration_ms",
}

// Store is the SQL Server-backed run repository. Timestamps are stored as
// DATETIME2 in UTC.
type Store struct {
	db *sql.DB
}

// New opens a connection via the "sqlserver" driver, validates connectivity,
// and ensures the runs and run_steps tables exist.
func New(ctx context.Context, dsn string) (runstore.Repository, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, err
	}

	// Run recording is one short burst at the end of a pipeline run.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, ddl := range []string{createRunsSQL(), createRunStepsSQL()} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mssql: ensure schema: %w", err)
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
		return fmt.Errorf("mssql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, insertRunSQL(), runArgs(rec)...); err != nil {
		return fmt.Errorf("mssql: insert run: %w", err)
	}
	for _, chunk := range stepChunks(rec.Steps, stepChunkSize) {
		q, args := insertStepsSQL(rec.ID, chunk)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("mssql: insert steps: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
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
		mssqlIdent("id") + " NVARCHAR(64) NOT NULL PRIMARY KEY",
		mssqlIdent("config_name") + " NVARCHAR(255) NOT NULL",
		mssqlIdent("config_version") + " NVARCHAR(64) NOT NULL",
		mssqlIdent("run_ts") + " NVARCHAR(32) NOT NULL",
		mssqlIdent("dataset_file") + " NVARCHAR(1024) NOT NULL",
		mssqlIdent("rows_in") + " BIGINT NOT NULL",
		mssqlIdent("rows_out") + " BIGINT NOT NULL",
		mssqlIdent("train_rows") + " BIGINT NOT NULL",
		mssqlIdent("validation_rows") + " BIGINT NOT NULL",
		mssqlIdent("library_accuracy") + " FLOAT NOT NULL",
		mssqlIdent("manual_accuracy") + " FLOAT NOT NULL",
		mssqlIdent("status") + " NVARCHAR(16) NOT NULL",
		mssqlIdent("error") + " NVARCHAR(MAX) NOT NULL",
		mssqlIdent("started_at") + " DATETIME2 NOT NULL",
		mssqlIdent("finished_at") + " DATETIME2 NOT NULL",
	}
	return wrapCreateIfMissing(runsTable, strings.Join(defs, ", "))
}

// createRunStepsSQL returns idempotent DDL for the run_steps table.
func createRunStepsSQL() string {
	defs := []string{
		mssqlIdent("run_id") + " NVARCHAR(64) NOT NULL",
		mssqlIdent("seq") + " INT NOT NULL",
		mssqlIdent("operation") + " NVARCHAR(255) NOT NULL",
		mssqlIdent("row_count") + " BIGINT NOT NULL",
		mssqlIdent("col_count") + " BIGINT NOT NULL",
		mssqlIdent("duration_ms") + " BIGINT NOT NULL",
		fmt.Sprintf("PRIMARY KEY (%s, %s)", mssqlIdent("run_id"), mssqlIdent("seq")),
	}
	return wrapCreateIfMissing(runStepsTable, strings.Join(defs, ", "))
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard,
// which keeps schema creation idempotent without IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlIdent(tableName),
		innerDefs,
	)
}

// insertRunSQL returns the parameterized insert for one run row. Argument
// order matches runColumns; see runArgs.
func insertRunSQL() string {
	cols := make([]string, len(runColumns))
	marks := make([]string, len(runColumns))
	for i, c := range runColumns {
		cols[i] = mssqlIdent(c)
		marks[i] = fmt.Sprintf("@p%d", i+1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		mssqlIdent(runsTable), strings.Join(cols, ", "), strings.Join(marks, ", "),
	)
}

// insertStepsSQL returns one multi-row insert covering the given steps, plus
// its flattened arguments. Placeholders are numbered continuously across
// rows.
func insertStepsSQL(runID string, steps []runstore.StepRecord) (string, []any) {
	cols := make([]string, len(stepColumns))
	for i, c := range stepColumns {
		cols[i] = mssqlIdent(c)
	}

	rows := make([]string, len(steps))
	args := make([]any, 0, len(steps)*len(stepColumns))
	p := 1
	for i, st := range steps {
		marks := make([]string, len(stepColumns))
		for j := range stepColumns {
			marks[j] = fmt.Sprintf("@p%d", p)
			p++
		}
		rows[i] = "(" + strings.Join(marks, ", ") + ")"
		args = append(args, runID, st.Seq, st.Operation, st.Rows, st.Cols, st.DurationMS)
	}

	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s",
		mssqlIdent(runStepsTable), strings.Join(cols, ", "), strings.Join(rows, ", "),
	)
	return q, args
}

// stepChunks splits steps into slices of at most size records.
func stepChunks(steps []runstore.StepRecord, size int) [][]runstore.StepRecord {
	if len(steps) == 0 {
		return nil
	}
	var out [][]runstore.StepRecord
	for start := 0; start < len(steps); start += size {
		end := start + size
		if end > len(steps) {
			end = len(steps)
		}
		out = append(out, steps[start:end])
	}
	return out
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

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}
