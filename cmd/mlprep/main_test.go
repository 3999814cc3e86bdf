package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"mlprep/internal/config"
	"mlprep/internal/metrics"
	"mlprep/internal/metrics/datadog"
	"mlprep/internal/runstore"

	_ "modernc.org/sqlite"
)

// fakeStore is a deterministic run repository used by CLI tests.
type fakeStore struct {
	saved      []*runstore.RunRecord
	closeCalls int
	saveErr    error
}

func (f *fakeStore) SaveRun(ctx context.Context, rec *runstore.RunRecord) error {
	f.saved = append(f.saved, rec)
	return f.saveErr
}

func (f *fakeStore) Close(ctx context.Context) error {
	f.closeCalls++
	return nil
}

// fakeMetricsBackend satisfies metricsBackend without any real submission.
type fakeMetricsBackend struct {
	closeCalls int
	closeErr   error
}

func (b *fakeMetricsBackend) IncCounter(name string, delta float64, labels metrics.Labels) {}
func (b *fakeMetricsBackend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
}
func (b *fakeMetricsBackend) Flush() error { return nil }
func (b *fakeMetricsBackend) Close() error {
	b.closeCalls++
	return b.closeErr
}

func validPipeline() *config.Pipeline {
	return &config.Pipeline{
		Name:        "fraud",
		Version:     "0.3",
		DatasetFile: "data.csv",
		Target:      "target",
		Split:       config.SplitRatios{Train: 0.8, Validation: 0.2},
		Operations: []config.Operation{
			{Type: "LimitRows", Params: config.Params{"n_rows": 10}},
		},
	}
}

// fatalDeps returns deps whose every seam fails the test, proving a code
// path short-circuits before side effects.
func fatalDeps(t *testing.T) appDeps {
	t.Helper()
	return appDeps{
		loadConfig: func(string) (*config.Pipeline, error) {
			t.Fatalf("loadConfig must not be called")
			return nil, nil
		},
		initMetrics: func(context.Context, string, string, io.Writer) (func(), error) {
			t.Fatalf("initMetrics must not be called")
			return nil, nil
		},
		openRunStore: func(context.Context, string, string) (runstore.Repository, error) {
			t.Fatalf("openRunStore must not be called")
			return nil, nil
		},
		runPipeline: func(context.Context, *config.Pipeline, string, *runstore.RunRecord, *log.Logger) error {
			t.Fatalf("runPipeline must not be called")
			return nil
		},
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{
			name:          "missing config flag",
			args:          []string{},
			wantStderrSub: "usage: mlprep -config",
		},
		{
			name:          "blank config value",
			args:          []string{"-config", "   "},
			wantStderrSub: "usage: mlprep -config",
		},
		{
			name:          "unknown flag",
			args:          []string{"-nope"},
			wantStderrSub: "flag provided but not defined",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, fatalDeps(t))

			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_ConfigValidation(t *testing.T) {
	t.Parallel()

	writeConfig := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "fraud.yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		return path
	}

	valid := `
dataset_file: data.csv
target: target
split:
  train: 0.8
  validation: 0.2
operations:
  - type: LimitRows
    params:
      n_rows: 10
`

	t.Run("validate flag exits zero", func(t *testing.T) {
		t.Parallel()

		path := writeConfig(t, valid)
		deps := fatalDeps(t)
		deps.loadConfig = config.Load

		var stdout, stderr bytes.Buffer
		code := runMain(context.Background(), []string{"-config", path, "-validate"}, &stdout, &stderr, deps)

		if code != 0 {
			t.Fatalf("exit code=%d, want 0; stderr=%q", code, stderr.String())
		}
		if !strings.Contains(stdout.String(), "configuration valid") {
			t.Fatalf("stdout=%q, want contains %q", stdout.String(), "configuration valid")
		}
	})

	t.Run("bad split ratios fail", func(t *testing.T) {
		t.Parallel()

		path := writeConfig(t, strings.Replace(valid, "train: 0.8", "train: 0.9", 1))
		deps := fatalDeps(t)
		deps.loadConfig = config.Load

		var stdout, stderr bytes.Buffer
		code := runMain(context.Background(), []string{"-config", path}, &stdout, &stderr, deps)

		if code != 1 {
			t.Fatalf("exit code=%d, want 1; stderr=%q", code, stderr.String())
		}
		if !strings.Contains(stderr.String(), "error: split") {
			t.Fatalf("stderr=%q, want split ratio issue", stderr.String())
		}
	})

	t.Run("unknown operation fails", func(t *testing.T) {
		t.Parallel()

		path := writeConfig(t, strings.Replace(valid, "LimitRows", "Normalize", 1))
		deps := fatalDeps(t)
		deps.loadConfig = config.Load

		var stdout, stderr bytes.Buffer
		code := runMain(context.Background(), []string{"-config", path}, &stdout, &stderr, deps)

		if code != 1 {
			t.Fatalf("exit code=%d, want 1; stderr=%q", code, stderr.String())
		}
		if !strings.Contains(stderr.String(), "unknown operation") {
			t.Fatalf("stderr=%q, want unknown operation issue", stderr.String())
		}
	})

	t.Run("unreadable config fails", func(t *testing.T) {
		t.Parallel()

		deps := fatalDeps(t)
		deps.loadConfig = config.Load

		var stdout, stderr bytes.Buffer
		code := runMain(context.Background(), []string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr, deps)

		if code != 1 {
			t.Fatalf("exit code=%d, want 1", code)
		}
	})
}

func TestRunMain_FullFlow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		extraArgs        []string
		initMetricsErr   error
		openStoreErr     error
		runErr           error
		saveErr          error
		wantCode         int
		wantStderrSub    string
		wantRunCalls     int
		wantCleanupCalls int
		wantSaves        int
		wantStatus       string
	}{
		{
			name:           "init metrics error",
			initMetricsErr: errors.New("bad backend"),
			wantCode:       1,
			wantStderrSub:  "init metrics:",
		},
		{
			name:             "open runstore error",
			extraArgs:        []string{"-runstore", "sqlite", "-runstore-dsn", "x"},
			openStoreErr:     errors.New("locked"),
			wantCode:         1,
			wantStderrSub:    "open runstore:",
			wantCleanupCalls: 1,
		},
		{
			name:             "pipeline error records failure",
			extraArgs:        []string{"-runstore", "sqlite", "-runstore-dsn", "x"},
			runErr:           errors.New("operation 1 (Shuffle): boom"),
			wantCode:         1,
			wantStderrSub:    "run: operation 1 (Shuffle): boom",
			wantRunCalls:     1,
			wantCleanupCalls: 1,
			wantSaves:        1,
			wantStatus:       runstore.StatusError,
		},
		{
			name:             "save error does not fail run",
			extraArgs:        []string{"-runstore", "sqlite", "-runstore-dsn", "x"},
			saveErr:          errors.New("disk full"),
			wantCode:         0,
			wantStderrSub:    "runstore: save run:",
			wantRunCalls:     1,
			wantCleanupCalls: 1,
			wantSaves:        1,
			wantStatus:       runstore.StatusOK,
		},
		{
			name:             "success without store",
			wantCode:         0,
			wantRunCalls:     1,
			wantCleanupCalls: 1,
		},
		{
			name:             "success with store",
			extraArgs:        []string{"-runstore", "sqlite", "-runstore-dsn", "x"},
			wantCode:         0,
			wantRunCalls:     1,
			wantCleanupCalls: 1,
			wantSaves:        1,
			wantStatus:       runstore.StatusOK,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var (
				stdout, stderr bytes.Buffer
				runCalls       int
				cleanupCalls   int
			)
			store := &fakeStore{saveErr: tc.saveErr}
			storeRequested := len(tc.extraArgs) > 0

			deps := appDeps{
				loadConfig: func(path string) (*config.Pipeline, error) {
					if path != "fraud.yaml" {
						t.Fatalf("loadConfig path=%q, want fraud.yaml", path)
					}
					return validPipeline(), nil
				},
				initMetrics: func(ctx context.Context, job, backend string, w io.Writer) (func(), error) {
					if job != "fraud" {
						t.Fatalf("initMetrics job=%q, want fraud", job)
					}
					if backend != "none" {
						t.Fatalf("initMetrics backend=%q, want none", backend)
					}
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls++ }, nil
				},
				openRunStore: func(ctx context.Context, kind, dsn string) (runstore.Repository, error) {
					if !storeRequested {
						t.Fatalf("openRunStore must not be called without -runstore")
					}
					if kind != "sqlite" || dsn != "x" {
						t.Fatalf("openRunStore kind=%q dsn=%q", kind, dsn)
					}
					if tc.openStoreErr != nil {
						return nil, tc.openStoreErr
					}
					return store, nil
				},
				runPipeline: func(ctx context.Context, p *config.Pipeline, baseDir string, rec *runstore.RunRecord, lg *log.Logger) error {
					runCalls++
					if baseDir != "." {
						t.Fatalf("baseDir=%q, want .", baseDir)
					}
					if lg == nil {
						t.Fatalf("expected a logger")
					}
					rec.TrainRows = 8
					rec.ValidationRows = 2
					rec.LibraryAccuracy = 0.95
					rec.ManualAccuracy = 0.95
					rec.Steps = append(rec.Steps, runstore.StepRecord{Seq: 0, Operation: "LimitRows", Rows: 10, Cols: 3})
					return tc.runErr
				},
			}

			args := append([]string{"-config", "fraud.yaml", "-metrics-backend", "none"}, tc.extraArgs...)
			code := runMain(context.Background(), args, &stdout, &stderr, deps)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if runCalls != tc.wantRunCalls {
				t.Fatalf("runPipeline calls=%d, want %d", runCalls, tc.wantRunCalls)
			}
			if cleanupCalls != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", cleanupCalls, tc.wantCleanupCalls)
			}
			if len(store.saved) != tc.wantSaves {
				t.Fatalf("saved records=%d, want %d", len(store.saved), tc.wantSaves)
			}
			if tc.wantSaves > 0 {
				rec := store.saved[0]
				if rec.Status != tc.wantStatus {
					t.Fatalf("saved status=%q, want %q", rec.Status, tc.wantStatus)
				}
				if rec.Status == runstore.StatusError && rec.Error == "" {
					t.Fatalf("failed run saved without error text")
				}
				if rec.FinishedAt.IsZero() {
					t.Fatalf("saved record has zero FinishedAt")
				}
			}
			if tc.wantCode == 0 && tc.wantRunCalls > 0 {
				for _, want := range []string{"train_rows=8 validation_rows=2", "library_accuracy=0.9500", "manual_accuracy=0.9500"} {
					if !strings.Contains(stdout.String(), want) {
						t.Fatalf("stdout=%q, want contains %q", stdout.String(), want)
					}
				}
			}
		})
	}
}

func TestInitMetrics_NoneAndUnknown(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer

	cleanup, err := initMetrics(context.Background(), "job", "none", &stderr)
	if err != nil {
		t.Fatalf("none backend err=%v", err)
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()

	cleanup, err = initMetrics(context.Background(), "job", "graphite", &stderr)
	if err == nil {
		t.Fatalf("expected error for unknown backend")
	}
	if !strings.Contains(err.Error(), "unknown metrics backend") || !strings.Contains(err.Error(), "none|datadog") {
		t.Fatalf("err=%q, want unknown-backend message", err)
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil even on error")
	}
	cleanup()
}

func TestInitMetrics_DatadogWiresBackend(t *testing.T) {
	b := &fakeMetricsBackend{}
	var gotOpts datadog.Options

	oldNew := newDatadogBackend
	defer func() { newDatadogBackend = oldNew }()
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		gotOpts = opts
		return b, nil
	}
	t.Cleanup(func() { metrics.SetBackend(nil) })
	t.Setenv("METRICS_TAGS", "team:ml,region:eu")

	var stderr bytes.Buffer
	cleanup, err := initMetrics(context.Background(), "fraud", "datadog", &stderr)
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}

	if gotOpts.JobName != "fraud" {
		t.Fatalf("JobName=%q, want fraud", gotOpts.JobName)
	}
	if len(gotOpts.Tags) != 2 || gotOpts.Tags[0] != "team:ml" || gotOpts.Tags[1] != "region:eu" {
		t.Fatalf("Tags=%v", gotOpts.Tags)
	}

	cleanup()
	if b.closeCalls != 1 {
		t.Fatalf("close calls=%d, want 1", b.closeCalls)
	}
	if stderr.Len() != 0 {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestInitMetrics_DatadogCloseErrorIsReported(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew := newDatadogBackend
	defer func() { newDatadogBackend = oldNew }()
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return b, nil
	}
	t.Cleanup(func() { metrics.SetBackend(nil) })

	var stderr bytes.Buffer
	cleanup, err := initMetrics(context.Background(), "fraud", "datadog", &stderr)
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	cleanup()

	if !strings.Contains(stderr.String(), "metrics: datadog close error") {
		t.Fatalf("stderr=%q, want close error report", stderr.String())
	}
	if !strings.Contains(stderr.String(), "flush failed") {
		t.Fatalf("stderr=%q, want underlying error", stderr.String())
	}
}

func TestInitMetrics_DatadogConstructorError(t *testing.T) {
	oldNew := newDatadogBackend
	defer func() { newDatadogBackend = oldNew }()
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return nil, errors.New("no api key")
	}

	var stderr bytes.Buffer
	cleanup, err := initMetrics(context.Background(), "fraud", "datadog", &stderr)
	if err == nil || !strings.Contains(err.Error(), "init datadog") {
		t.Fatalf("err=%v, want init datadog error", err)
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil even on error")
	}
	cleanup()
}

func TestOpenRunStore(t *testing.T) {
	t.Parallel()

	if _, err := openRunStore(context.Background(), "sqlite", "  "); err == nil {
		t.Fatalf("expected error for empty dsn")
	} else if !strings.Contains(err.Error(), "-runstore-dsn") {
		t.Fatalf("err=%q, want dsn hint", err)
	}

	if _, err := openRunStore(context.Background(), "bolt", "x"); !errors.Is(err, runstore.ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}

	repo, err := openRunStore(context.Background(), "sqlite", filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("sqlite runstore: %v", err)
	}
	if err := repo.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// TestRunMain_RunstoreDSNFromEnv is not parallel: it mutates RUNSTORE_DSN.
func TestRunMain_RunstoreDSNFromEnv(t *testing.T) {
	t.Setenv("RUNSTORE_DSN", "file:env.db")

	path := filepath.Join(t.TempDir(), "fraud.yaml")
	body := "dataset_file: data.csv\ntarget: target\nsplit:\n  train: 0.8\n  validation: 0.2\noperations:\n  - type: Shuffle\n    params:\n      random_state: 1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var gotDSN string
	store := &fakeStore{}
	deps := fatalDeps(t)
	deps.loadConfig = config.Load
	deps.initMetrics = func(context.Context, string, string, io.Writer) (func(), error) {
		return func() {}, nil
	}
	deps.openRunStore = func(_ context.Context, kind, dsn string) (runstore.Repository, error) {
		if kind != "sqlite" {
			t.Fatalf("kind=%q, want sqlite", kind)
		}
		gotDSN = dsn
		return store, nil
	}
	deps.runPipeline = func(context.Context, *config.Pipeline, string, *runstore.RunRecord, *log.Logger) error {
		return nil
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", path, "-runstore", "sqlite"}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d, stderr=%q", code, stderr.String())
	}
	if gotDSN != "file:env.db" {
		t.Fatalf("dsn=%q, want the environment fallback", gotDSN)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved %d runs, want 1", len(store.saved))
	}
}

func TestResolvePath(t *testing.T) {
	t.Parallel()

	if got := resolvePath("configs", "data.csv"); got != filepath.Join("configs", "data.csv") {
		t.Fatalf("relative: got %q", got)
	}
	abs := filepath.Join(string(filepath.Separator), "srv", "data.csv")
	if got := resolvePath("configs", abs); got != abs {
		t.Fatalf("absolute: got %q", got)
	}
}

func TestRunMain_EndToEnd(t *testing.T) {
	dir := t.TempDir()

	var data bytes.Buffer
	data.WriteString("f1,f2\n")
	for i := 0; i < 40; i++ {
		base := 2.0
		if i%2 == 1 {
			base = 8.0
		}
		fmt.Fprintf(&data, "%.2f,%.1f\n", base+0.01*float64(i), 0.1*float64(i))
	}
	if err := os.WriteFile(filepath.Join(dir, "data.csv"), data.Bytes(), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}

	cfg := `
version: "0.9"
dataset_file: data.csv
target: target
checkpoint_path: checkpoints
split:
  train: 0.8
  validation: 0.2
model:
  trees: 5
  max_depth: 6
  seed: 1
operations:
  - type: LimitRows
    params:
      n_rows: 40
  - type: ComputeTarget
    params:
      columns:
        - name: f1
          weight: 1.0
      target_column: target
      threshold: 5.0
  - type: Shuffle
    params:
      random_state: 7
`
	cfgPath := filepath.Join(dir, "fraud.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	dsn := filepath.Join(dir, "runs.db")
	var stdout, stderr bytes.Buffer
	code := runMain(
		context.Background(),
		[]string{"-config", cfgPath, "-metrics-backend", "none", "-runstore", "sqlite", "-runstore-dsn", dsn, "-v"},
		&stdout, &stderr,
		defaultDeps(),
	)
	if code != 0 {
		t.Fatalf("exit code=%d\nstdout=%s\nstderr=%s", code, stdout.String(), stderr.String())
	}

	if !strings.Contains(stdout.String(), "train_rows=32 validation_rows=8") {
		t.Fatalf("stdout=%q, want split sizes", stdout.String())
	}
	lib := extractMetric(t, stdout.String(), "library_accuracy=")
	man := extractMetric(t, stdout.String(), "manual_accuracy=")
	if lib < 0.5 {
		t.Fatalf("library accuracy %v below 0.5", lib)
	}
	if diff := lib - man; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("accuracies disagree: library=%v manual=%v", lib, man)
	}

	checkpoints, err := filepath.Glob(filepath.Join(dir, "checkpoints", "fraud", "0.9", "*", "*.csv"))
	if err != nil {
		t.Fatalf("glob checkpoints: %v", err)
	}
	if len(checkpoints) != 3 {
		t.Fatalf("expected 3 checkpoint files, got %v", checkpoints)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open run db: %v", err)
	}
	defer db.Close()

	var runs, steps int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "runs"`).Scan(&runs); err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM "run_steps"`).Scan(&steps); err != nil {
		t.Fatalf("count steps: %v", err)
	}
	if runs != 1 || steps != 3 {
		t.Fatalf("expected 1 run with 3 steps, got %d/%d", runs, steps)
	}

	var status, runTS string
	var trainRows int
	if err := db.QueryRow(`SELECT "status", "run_ts", "train_rows" FROM "runs"`).Scan(&status, &runTS, &trainRows); err != nil {
		t.Fatalf("scan run: %v", err)
	}
	if status != runstore.StatusOK {
		t.Fatalf("run status=%q, want ok", status)
	}
	if trainRows != 32 {
		t.Fatalf("train_rows=%d, want 32", trainRows)
	}
	if _, err := time.Parse("20060102_150405", runTS); err != nil {
		t.Fatalf("run_ts %q: %v", runTS, err)
	}
	if base := filepath.Base(filepath.Dir(checkpoints[0])); base != runTS {
		t.Fatalf("checkpoint dir %q does not match recorded run_ts %q", base, runTS)
	}

	if !strings.Contains(stderr.String(), "stage=op index=0 name=LimitRows") {
		t.Fatalf("verbose log missing step telemetry: %q", stderr.String())
	}
}

func extractMetric(t *testing.T, out, prefix string) float64 {
	t.Helper()

	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, prefix) {
			v, err := strconv.ParseFloat(strings.TrimPrefix(line, prefix), 64)
			if err != nil {
				t.Fatalf("parse %q: %v", line, err)
			}
			return v
		}
	}
	t.Fatalf("output %q missing %q", out, prefix)
	return 0
}
