// Package ops is the operation registry: it maps operation type names to
// pure table transformations and their required parameter names.
//
// The variant set is closed: every operation registers itself from init() in
// this package, and Register panics on duplicates, so the full set is checked
// once at process start. Operations are pure: they never mutate their input
// table and return a freshly built one.
package ops

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"mlprep/internal/config"
	"mlprep/internal/table"
)

var (
	// ErrUnknownOperation reports a spec whose type has no registered operation.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrMissingParameter reports a required parameter absent from a spec.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrInvalidParameter reports a parameter present but unusable.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// ApplyFunc transforms a table according to an operation's parameters.
type ApplyFunc func(t *table.Table, params config.Params) (*table.Table, error)

type operation struct {
	apply    ApplyFunc
	required []string
}

var (
	mu       sync.RWMutex
	registry = map[string]operation{}
)

// Register associates a transformation and its required parameter names
// with an operation type name.
//
// Panics:
//   - If name is empty.
//   - If fn is nil.
//   - If name is already registered. Duplicate registration means two
//     transformations claim the same config name; failing fast at init
//     beats dispatching ambiguously at run time.
func Register(name string, fn ApplyFunc, required ...string) {
	mu.Lock()
	defer mu.Unlock()

	if name == "" {
		panic("ops: Register called with empty name")
	}
	if fn == nil {
		panic("ops: Register called with nil apply func")
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("ops: operation already registered for name=%q", name))
	}

	registry[name] = operation{apply: fn, required: append([]string(nil), required...)}
}

// Resolve returns the transformation for a spec.
//
// Errors:
//   - ErrUnknownOperation when spec.Type is not registered.
//   - ErrMissingParameter when a declared required key is absent from
//     spec.Params. CheckSpecs reports the same condition during config
//     validation; Resolve re-checks for specs built in code.
func Resolve(spec config.Operation) (ApplyFunc, error) {
	mu.RLock()
	op, ok := registry[spec.Type]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, spec.Type)
	}
	for _, key := range op.required {
		if !spec.Params.Has(key) {
			return nil, fmt.Errorf("%s: %w: %q", spec.Type, ErrMissingParameter, key)
		}
	}
	return op.apply, nil
}

// Names returns the registered operation names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckSpecs validates a config's operation list against the registry:
// unknown type names and missing required parameters become error issues.
// Parameter values are not checked here; each operation validates its own
// values when applied.
func CheckSpecs(specs []config.Operation) []config.Issue {
	var issues []config.Issue
	for i, spec := range specs {
		mu.RLock()
		op, ok := registry[spec.Type]
		mu.RUnlock()

		if !ok {
			issues = append(issues, config.Issue{
				Severity: config.SeverityError,
				Path:     fmt.Sprintf("operations[%d].type", i),
				Message:  fmt.Sprintf("unknown operation %q (known: %v)", spec.Type, Names()),
			})
			continue
		}
		for _, key := range op.required {
			if !spec.Params.Has(key) {
				issues = append(issues, config.Issue{
					Severity: config.SeverityError,
					Path:     fmt.Sprintf("operations[%d].params.%s", i, key),
					Message:  "required parameter missing",
				})
			}
		}
	}
	return issues
}
