// Package metrics is a minimal counter/histogram facade.
//
// Pipeline code records through package-level helpers and stays unaware of
// the metrics vendor; main() swaps in a real Backend (e.g. Datadog) when
// metrics are wanted. The default backend discards everything, so library
// code may record unconditionally.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels tags a metric sample.
type Labels map[string]string

// Backend receives recorded metrics.
//
// Implementations must be safe for concurrent use; Flush submits anything
// buffered and is also called once at process shutdown.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide backend. Passing nil restores the
// discarding default.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the current backend.
func Flush() error { return current().Flush() }

// RecordStep records one executed pipeline step with its outcome and duration.
func RecordStep(step, status string, d time.Duration) {
	b := current()
	labels := Labels{"step": step, "status": status}
	b.IncCounter("mlprep_step_total", 1, labels)
	b.ObserveHistogram("mlprep_step_duration_seconds", d.Seconds(), labels)
}

// RecordRows records a row count for a named kind (e.g. "input", "train").
func RecordRows(kind string, n int) {
	if n < 0 {
		return
	}
	current().IncCounter("mlprep_rows_total", float64(n), Labels{"kind": kind})
}

// RecordAccuracy records a final accuracy value under its metric name
// ("library" or "manual").
func RecordAccuracy(metric string, v float64) {
	current().ObserveHistogram("mlprep_accuracy", v, Labels{"metric": metric})
}

// RecordHTTP records one HTTP fetch attempt: request/response durations,
// status-tagged counters and downloaded bytes. A zero status (transport
// failure) is tagged "error".
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, downloadBytes int64) {
	b := current()

	statusLabel := "error"
	if status > 0 {
		statusLabel = strconv.Itoa(status)
	}
	labels := Labels{"job": job, "status": statusLabel}

	b.IncCounter("mlprep_http_requests_total", 1, labels)
	if err != nil {
		b.IncCounter("mlprep_http_errors_total", 1, labels)
	}
	if reqDur > 0 {
		b.ObserveHistogram("mlprep_http_request_duration_seconds", reqDur.Seconds(), labels)
	}
	if respDur > 0 {
		b.ObserveHistogram("mlprep_http_response_duration_seconds", respDur.Seconds(), labels)
	}
	if downloadBytes > 0 {
		b.ObserveHistogram("mlprep_http_download_bytes", float64(downloadBytes), labels)
	}
}
