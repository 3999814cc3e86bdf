// Package runstore persists one audit row per pipeline run.
//
// A RunRecord captures what a run consumed and produced: dataset shapes,
// per-operation telemetry, split sizes, and the two accuracy figures.
// Backends register themselves under a kind name from init(), the same
// closed-registry policy the operation registry uses, and are linked into a
// binary through the blank-import package runstore/all. The store is
// write-only: rows are inspected with ordinary SQL tooling, never read back
// by the pipeline.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownBackend reports a kind with no registered backend factory.
var ErrUnknownBackend = errors.New("unknown runstore backend")

// Repository persists completed run records.
//
// When to use:
//   - Construct via New after backends are linked in (import
//     mlprep/internal/runstore/all to get all of them).
//
// Edge cases:
//   - SaveRun must be atomic: either the run row and every step row land,
//     or nothing does.
//   - Close releases backend resources; treat it as "call once".
type Repository interface {
	SaveRun(ctx context.Context, rec *RunRecord) error
	Close(ctx context.Context) error
}

// Factory constructs a Repository from a backend-specific DSN.
type Factory func(ctx context.Context, dsn string) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register associates a backend factory with a kind name (e.g. "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. Two factories claiming one kind means
//     backend selection would be ambiguous; failing at init beats that.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("runstore: Register called with empty kind")
	}
	if f == nil {
		panic("runstore: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("runstore: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered factory for kind.
//
// Errors:
//   - ErrUnknownBackend when kind has no registered factory.
//   - Whatever error the factory returns (bad DSN, unreachable server).
func New(ctx context.Context, kind, dsn string) (Repository, error) {
	mu.RLock()
	f := factories[kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownBackend, kind, Names())
	}
	return f(ctx, dsn)
}

// Names returns the registered backend kinds, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for kind := range factories {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
