// Command mlprep runs a configured tabular preparation pipeline: it loads a
// dataset (downloading it first when missing), applies the configured
// operations with per-step CSV checkpoints, splits the result, trains a
// random forest on the training partition and reports validation accuracy.
//
// Exit codes: 0 on a completed run, 1 on any runtime or configuration error,
// 2 on usage errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mlprep/internal/config"
	"mlprep/internal/dataset"
	"mlprep/internal/eval"
	"mlprep/internal/metrics"
	"mlprep/internal/metrics/datadog"
	"mlprep/internal/ops"
	"mlprep/internal/pipeline"
	"mlprep/internal/runstore"

	// register every run-history backend with the runstore factory.
	_ "mlprep/internal/runstore/all"
)

const usage = "usage: mlprep -config <path> [-validate] [-metrics-backend none|datadog] [-runstore none|sqlite|postgres|mssql -runstore-dsn <dsn>] [-v]"

// metricsBackend is the closable surface of a wired metrics backend.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// newDatadogBackend is a constructor seam for CLI tests.
var newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
	return datadog.NewBackend(ctx, opts)
}

// appDeps injects the CLI's side-effecting collaborators so tests can fake
// them.
type appDeps struct {
	loadConfig   func(path string) (*config.Pipeline, error)
	initMetrics  func(ctx context.Context, job, backend string, stderr io.Writer) (func(), error)
	openRunStore func(ctx context.Context, kind, dsn string) (runstore.Repository, error)
	runPipeline  func(ctx context.Context, p *config.Pipeline, baseDir string, rec *runstore.RunRecord, lg *log.Logger) error
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:   config.Load,
		initMetrics:  initMetrics,
		openRunStore: openRunStore,
		runPipeline:  executePipeline,
	}
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}

// runMain is the testable entry point. It owns flag parsing, config
// validation, backend wiring and exit codes; the pipeline itself runs behind
// deps.runPipeline.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("mlprep", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath      = fs.String("config", "", "pipeline config path (.yaml, .yml or .json)")
		validateOnly = fs.Bool("validate", false, "validate the configuration and exit")
		metricsFlag  = fs.String("metrics-backend", "", "metrics backend (none|datadog; default $METRICS_BACKEND)")
		storeKind    = fs.String("runstore", "none", "run history backend (none|sqlite|postgres|mssql)")
		storeDSN     = fs.String("runstore-dsn", "", "run history backend DSN (default $RUNSTORE_DSN)")
		verbose      = fs.Bool("v", false, "log per-step telemetry to stderr")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*cfgPath) == "" {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	p, err := deps.loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	issues := config.Validate(p)
	issues = append(issues, ops.CheckSpecs(p.Operations)...)
	hasError := false
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
		if iss.Severity == config.SeverityError {
			hasError = true
		}
	}
	if hasError {
		fmt.Fprintf(stderr, "configuration invalid: %s\n", *cfgPath)
		return 1
	}
	if *validateOnly {
		fmt.Fprintf(stdout, "configuration valid: %s\n", *cfgPath)
		return 0
	}

	// Backend selection: flag, then environment, then none.
	backendName := *metricsFlag
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	cleanup, err := deps.initMetrics(ctx, p.Name, backendName, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	var store runstore.Repository
	if *storeKind != "" && *storeKind != "none" {
		dsn := *storeDSN
		if dsn == "" {
			dsn = os.Getenv("RUNSTORE_DSN")
		}
		store, err = deps.openRunStore(ctx, *storeKind, dsn)
		if err != nil {
			fmt.Fprintf(stderr, "open runstore: %v\n", err)
			return 1
		}
		defer func() { _ = store.Close(ctx) }()
	}

	var logDst io.Writer = io.Discard
	if *verbose {
		logDst = stderr
	}
	lg := log.New(logDst, "", 0)

	rec := runstore.NewRunRecord(p.Name, p.Version)
	runErr := deps.runPipeline(ctx, p, filepath.Dir(*cfgPath), rec, lg)
	rec.FinishedAt = time.Now().UTC()
	rec.Status = runstore.StatusOK
	if runErr != nil {
		rec.Status = runstore.StatusError
		rec.Error = runErr.Error()
	}

	if store != nil {
		// The run already finished either way; recording is best effort.
		if err := store.SaveRun(ctx, rec); err != nil {
			fmt.Fprintf(stderr, "runstore: save run: %v\n", err)
		}
	}

	if runErr != nil {
		fmt.Fprintf(stderr, "run: %v\n", runErr)
		return 1
	}

	fmt.Fprintf(stdout, "train_rows=%d validation_rows=%d\n", rec.TrainRows, rec.ValidationRows)
	fmt.Fprintf(stdout, "library_accuracy=%.4f\n", rec.LibraryAccuracy)
	fmt.Fprintf(stdout, "manual_accuracy=%.4f\n", rec.ManualAccuracy)
	return 0
}

// executePipeline runs the configured pipeline end to end, filling rec as it
// goes so both finished and failed runs leave an accurate record.
func executePipeline(ctx context.Context, p *config.Pipeline, baseDir string, rec *runstore.RunRecord, lg *log.Logger) error {
	rec.DatasetFile = p.DatasetFile

	src := dataset.Source{
		File:     resolvePath(baseDir, p.DatasetFile),
		URL:      p.DatasetURL,
		Encoding: p.DatasetEncoding,
		Log:      lg,
	}
	tbl, err := src.Load(ctx)
	if err != nil {
		return err
	}
	rec.RowsIn = tbl.Rows()
	metrics.RecordRows("input", tbl.Rows())

	now := time.Now()
	rec.RunTimestamp = now.UTC().Format(pipeline.RunTimestampLayout)

	exec := &pipeline.Executor{
		Log: lg,
		OnStep: func(st pipeline.StepStat) {
			rec.Steps = append(rec.Steps, runstore.StepRecord{
				Seq:        st.Index,
				Operation:  st.Name,
				Rows:       st.Rows,
				Cols:       st.Cols,
				DurationMS: st.Duration.Milliseconds(),
			})
		},
	}
	if p.CheckpointPath != "" {
		sink, err := pipeline.NewCheckpointSink(resolvePath(baseDir, p.CheckpointPath), p.Name, p.Version, now)
		if err != nil {
			return err
		}
		exec.Checkpoints = sink
		lg.Printf("stage=run checkpoints=%s", sink.Dir())
	}

	out, err := exec.Run(ctx, tbl, p.Operations)
	if err != nil {
		return err
	}
	rec.RowsOut = out.Rows()
	metrics.RecordRows("output", out.Rows())

	parts, err := pipeline.Split(out, p.Split.Train, p.Split.Validation)
	if err != nil {
		return err
	}
	rec.TrainRows = parts.Train.Rows()
	rec.ValidationRows = parts.Validation.Rows()
	metrics.RecordRows("train", parts.Train.Rows())
	metrics.RecordRows("validation", parts.Validation.Rows())

	res, err := eval.Evaluate(ctx, parts.Train, parts.Validation, p.Target, p.ModelSettings())
	if err != nil {
		return err
	}
	rec.LibraryAccuracy = res.LibraryAccuracy
	rec.ManualAccuracy = res.ManualAccuracy
	lg.Printf("stage=eval library_accuracy=%.4f manual_accuracy=%.4f train_rows=%d validation_rows=%d",
		res.LibraryAccuracy, res.ManualAccuracy, res.TrainRows, res.ValidationRows)
	return nil
}

// initMetrics wires the named metrics backend into the process-global facade
// and returns its shutdown hook. The hook is always non-nil and safe to call.
func initMetrics(ctx context.Context, job, backend string, stderr io.Writer) (func(), error) {
	switch backend {
	case "", "none":
		return func() {}, nil
	case "datadog":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName: job,
			Tags:    datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
		})
		if err != nil {
			return func() {}, fmt.Errorf("init datadog: %w", err)
		}
		metrics.SetBackend(b)
		return func() {
			metrics.SetBackend(nil)
			if err := b.Close(); err != nil {
				fmt.Fprintf(stderr, "metrics: datadog close error: %v\n", err)
			}
		}, nil
	default:
		return func() {}, fmt.Errorf("unknown metrics backend %q (none|datadog)", backend)
	}
}

// openRunStore validates the DSN and dispatches to the registered backend.
func openRunStore(ctx context.Context, kind, dsn string) (runstore.Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("backend %q requires -runstore-dsn", kind)
	}
	return runstore.New(ctx, kind, dsn)
}

// resolvePath resolves a config-relative path against the config directory.
func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
