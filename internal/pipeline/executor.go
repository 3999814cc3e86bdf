// Package pipeline runs a configured sequence of operations over a table
// and splits the result into train/validation partitions.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"mlprep/internal/config"
	"mlprep/internal/metrics"
	"mlprep/internal/ops"
	"mlprep/internal/table"
)

// Logger is a minimal logging interface (log.Printf compatible).
type Logger interface {
	Printf(format string, v ...any)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (n int, err error) { return len(p), nil }

// StepStat describes one completed operation.
type StepStat struct {
	Index    int
	Name     string
	Rows     int
	Cols     int
	Duration time.Duration
}

// OpError reports which operation of a run failed and why.
type OpError struct {
	Index int
	Name  string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("operation %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Executor applies operations strictly in configuration order. Each step
// consumes the previous step's output; there is no reordering, batching or
// parallelism, so a run is reproducible from its config alone.
type Executor struct {
	// Log receives per-step telemetry. nil silences it.
	Log Logger
	// Checkpoints, when set, snapshots every step's output.
	Checkpoints *CheckpointSink
	// OnStep, when set, observes each completed step.
	OnStep func(StepStat)
}

func (e *Executor) logger() func(string, ...any) {
	if e.Log != nil {
		return e.Log.Printf
	}
	return log.New(discardWriter{}, "", 0).Printf
}

// Run folds the operations over t and returns the final table. The input is
// never mutated. The first failing operation aborts the run: its error is
// returned as an *OpError wrapping the cause, and no checkpoint is written
// for it or anything after it.
func (e *Executor) Run(ctx context.Context, t *table.Table, specs []config.Operation) (*table.Table, error) {
	logf := e.logger()

	cur := t
	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			return nil, &OpError{Index: i, Name: spec.Type, Err: err}
		}

		fn, err := ops.Resolve(spec)
		if err != nil {
			return nil, &OpError{Index: i, Name: spec.Type, Err: err}
		}

		start := time.Now()
		next, err := fn(cur, spec.Params)
		dur := time.Since(start)
		if err != nil {
			metrics.RecordStep(spec.Type, "error", dur)
			return nil, &OpError{Index: i, Name: spec.Type, Err: err}
		}
		metrics.RecordStep(spec.Type, "ok", dur)

		logf("stage=op index=%d name=%s rows=%d cols=%d dur_ms=%d",
			i, spec.Type, next.Rows(), next.Cols(), durMS(dur))

		if e.Checkpoints != nil {
			if err := e.Checkpoints.WriteStep(spec.Type, next); err != nil {
				return nil, &OpError{Index: i, Name: spec.Type, Err: err}
			}
		}
		if e.OnStep != nil {
			e.OnStep(StepStat{Index: i, Name: spec.Type, Rows: next.Rows(), Cols: next.Cols(), Duration: dur})
		}
		cur = next
	}
	return cur, nil
}

func durMS(d time.Duration) int64 { return int64(d / time.Millisecond) }
