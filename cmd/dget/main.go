// Command dget bulk-prefetches the datasets that pipeline configs point at,
// so later runs start from warm local files. It reads a YAML manifest of
// file/url pairs, downloads the missing files concurrently with retries, and
// prints one JSON line per attempt.
//
// Exit codes: 0 when every dataset is present locally, 1 when any dataset
// exhausted its attempts, 2 on usage or configuration errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"mlprep/internal/dataset"
	"mlprep/internal/metrics"
	"mlprep/internal/metrics/datadog"
)

const usage = "usage: dget -manifest <path> [-base <dir>] [-workers <n>] [-timeout <dur>] [-retries <n>] [-metrics-backend none|datadog] [-v]"

// Backoff window between attempts on the same dataset.
const (
	baseBackoff = 2 * time.Second
	maxBackoff  = 30 * time.Second
)

// metricsBackend is the closable surface of a wired metrics backend.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

var newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
	return datadog.NewBackend(ctx, opts)
}

// manifest lists the datasets to materialize. Entries mirror the dataset
// block of a pipeline config; keys that only matter when parsing the file
// (e.g. encoding) are tolerated and ignored.
type manifest struct {
	Datasets []manifestEntry `yaml:"datasets"`
}

type manifestEntry struct {
	File string `yaml:"file"`
	URL  string `yaml:"url"`
}

// fetchRecord is one JSON line of progress output.
//
// This output is intended for machine parsing. Additive changes are safe;
// renames and removals break downstream log consumers.
type fetchRecord struct {
	Timestamp  string `json:"ts"`
	File       string `json:"file"`
	URL        string `json:"url,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	State      string `json:"state"`
	DurationMs int64  `json:"duration_ms"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Error      string `json:"error,omitempty"`
}

// States a fetchRecord reports.
const (
	stateCached  = "cached"
	stateFetched = "fetched"
	stateRetry   = "retry"
	stateFailed  = "failed"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dget", flag.ContinueOnError)
	fs.SetOutput(stderr)

	manifestPath := fs.String("manifest", "", "YAML manifest of datasets to fetch")
	baseDir := fs.String("base", ".", "directory relative dataset paths resolve against")
	workers := fs.Int("workers", 4, "concurrent downloads")
	timeout := fs.Duration("timeout", 60*time.Second, "HTTP timeout per request")
	retries := fs.Int("retries", 2, "retries per dataset after the first attempt")
	backendFlag := fs.String("metrics-backend", "", "metrics backend (none|datadog); env METRICS_BACKEND when empty")
	verbose := fs.Bool("v", false, "log download telemetry to stderr")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	if strings.TrimSpace(*manifestPath) == "" {
		fmt.Fprintln(stderr, usage)
		return 2
	}
	if *workers <= 0 {
		fmt.Fprintln(stderr, "-workers must be > 0")
		return 2
	}
	if *retries < 0 {
		fmt.Fprintln(stderr, "-retries must be >= 0")
		return 2
	}

	entries, err := readManifest(*manifestPath, *baseDir)
	if err != nil {
		fmt.Fprintf(stderr, "read manifest: %v\n", err)
		return 2
	}
	if len(entries) == 0 {
		fmt.Fprintf(stderr, "no datasets in %s\n", *manifestPath)
		return 2
	}

	backendName := *backendFlag
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	switch backendName {
	case "", "none":
	case "datadog":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName: "dget",
			Tags:    append(datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")), "tool:dget"),
		})
		if err != nil {
			fmt.Fprintf(stderr, "init datadog: %v\n", err)
			return 2
		}
		metrics.SetBackend(b)
		defer func() {
			metrics.SetBackend(nil)
			if err := b.Close(); err != nil {
				fmt.Fprintf(stderr, "metrics: datadog close error: %v\n", err)
			}
		}()
	default:
		fmt.Fprintf(stderr, "unknown metrics backend %q (none|datadog)\n", backendName)
		return 2
	}

	var logDst io.Writer = io.Discard
	if *verbose {
		logDst = stderr
	}

	ok := fetchAll(ctx, entries, fetchConfig{
		workers:     *workers,
		maxAttempts: *retries + 1,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		client:      newHTTPClient(*timeout),
		log:         log.New(logDst, "", 0),
	}, stdout)
	if !ok {
		return 1
	}
	return 0
}

type fetchConfig struct {
	workers     int
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	client      *http.Client
	log         *log.Logger
}

// fetchAll materializes every entry, workers pulling from a shared queue.
// Progress records stream to progress as JSON lines. The first entry to
// exhaust its attempts cancels the remaining work and makes fetchAll return
// false.
func fetchAll(ctx context.Context, entries []manifestEntry, cfg fetchConfig, progress io.Writer) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan manifestEntry)
	records := make(chan fetchRecord, 128)

	var fatalMu sync.Mutex
	fatal := false
	setFatal := func() {
		fatalMu.Lock()
		fatal = true
		fatalMu.Unlock()
	}

	var logWG sync.WaitGroup
	logWG.Add(1)
	go func() {
		defer logWG.Done()
		enc := json.NewEncoder(progress)
		for rec := range records {
			_ = enc.Encode(rec)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(cfg.workers)
	for i := 0; i < cfg.workers; i++ {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)*9973))
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e, open := <-jobs:
					if !open {
						return
					}
					if fetchEntry(ctx, e, cfg, rng, records) {
						continue
					}
					setFatal()
					cancel()
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, e := range entries {
			select {
			case <-ctx.Done():
				return
			case jobs <- e:
			}
		}
	}()

	wg.Wait()
	close(records)
	logWG.Wait()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return !fatal
}

// fetchEntry materializes one dataset, reporting every attempt on records.
// A file already on disk is reported as cached without touching the network.
// Returns false once attempts are exhausted or the context is cancelled.
func fetchEntry(ctx context.Context, e manifestEntry, cfg fetchConfig, rng *rand.Rand, records chan<- fetchRecord) bool {
	if _, err := os.Stat(e.File); err == nil {
		records <- fetchRecord{Timestamp: stamp(), File: e.File, State: stateCached}
		return true
	}

	src := &dataset.Source{File: e.File, URL: e.URL, Client: cfg.client}
	if cfg.log != nil {
		src.Log = cfg.log
	}
	for attempt := 1; attempt <= cfg.maxAttempts; attempt++ {
		start := time.Now()
		err := src.Ensure(ctx)
		rec := fetchRecord{
			Timestamp:  stamp(),
			File:       e.File,
			URL:        e.URL,
			Attempt:    attempt,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if err == nil {
			rec.State = stateFetched
			if fi, statErr := os.Stat(e.File); statErr == nil {
				rec.SizeBytes = fi.Size()
			}
			records <- rec
			return true
		}

		rec.Error = err.Error()
		if attempt == cfg.maxAttempts || ctx.Err() != nil {
			rec.State = stateFailed
			records <- rec
			return false
		}
		rec.State = stateRetry
		records <- rec

		if !sleepContext(ctx, retryDelay(rng, attempt, cfg.baseBackoff, cfg.maxBackoff)) {
			return false
		}
	}
	return false
}

// readManifest loads the dataset list, resolving relative file paths
// against baseDir.
func readManifest(path, baseDir string) ([]manifestEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range m.Datasets {
		e := &m.Datasets[i]
		if strings.TrimSpace(e.File) == "" {
			return nil, fmt.Errorf("%s: datasets[%d]: file is required", path, i)
		}
		if !filepath.IsAbs(e.File) {
			e.File = filepath.Join(baseDir, e.File)
		}
	}
	return m.Datasets, nil
}

// retryDelay doubles the base per attempt, clamps at max and adds up to 25%
// jitter so parallel workers do not retry in lockstep.
func retryDelay(rng *rand.Rand, attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt-1)
	if d > max {
		d = max
	}
	if d > 0 {
		d += time.Duration(rng.Int63n(int64(d)/4 + 1))
	}
	return d
}

// sleepContext waits for d unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
		},
	}
}

func stamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
