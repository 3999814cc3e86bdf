package ops

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"mlprep/internal/config"
	"mlprep/internal/table"
)

func init() {
	Register("LimitRows", applyLimitRows, "n_rows")
	Register("IndexOperation", applyIndex, "column")
	Register("RemoveColumns", applyRemoveColumns, "columns")
	Register("ComputeTarget", applyComputeTarget, "columns", "target_column")
	Register("Shuffle", applyShuffle, "random_state")
}

// applyLimitRows keeps the first n_rows rows in current order. A limit
// beyond the row count keeps all rows; zero or negative limits are invalid.
func applyLimitRows(t *table.Table, params config.Params) (*table.Table, error) {
	n, ok := params.Int("n_rows")
	if !ok {
		return nil, fmt.Errorf("%w: n_rows must be an integer", ErrInvalidParameter)
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: n_rows must be positive, got %d", ErrInvalidParameter, n)
	}
	return t.Head(n), nil
}

// indexLayouts are tried in order when parsing string cells as datetimes.
var indexLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// applyIndex parses a column as datetimes, promotes it to the table's index
// and removes it from the feature columns. Numeric cells are read as Unix
// seconds; string cells must match one of indexLayouts.
func applyIndex(t *table.Table, params config.Params) (*table.Table, error) {
	name, ok := params.Str("column")
	if !ok {
		return nil, fmt.Errorf("%w: column must be a string", ErrInvalidParameter)
	}
	cells, err := t.Column(name)
	if err != nil {
		return nil, err
	}

	parsed := make([]any, len(cells))
	for i, cell := range cells {
		ts, err := parseIndexCell(cell)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q row %d: %v", ErrInvalidParameter, name, i, err)
		}
		parsed[i] = ts
	}
	return t.WithIndex(name, parsed)
}

func parseIndexCell(cell any) (time.Time, error) {
	switch v := cell.(type) {
	case time.Time:
		return v, nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case float64:
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
	case string:
		for _, layout := range indexLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("%q is not a datetime", v)
	case nil:
		return time.Time{}, fmt.Errorf("missing value")
	default:
		return time.Time{}, fmt.Errorf("cannot index %T", cell)
	}
}

// applyRemoveColumns drops the named columns.
func applyRemoveColumns(t *table.Table, params config.Params) (*table.Table, error) {
	names, ok := params.StrSlice("columns")
	if !ok {
		return nil, fmt.Errorf("%w: columns must be a list of strings", ErrInvalidParameter)
	}
	return t.Drop(names...)
}

// applyComputeTarget sets target_column[row] = 1 when the weighted sum of
// the configured columns reaches threshold, else 0. The threshold defaults
// to 0. Missing cells poison their row's sum (NaN), which classifies as 0.
// An existing target column is overwritten; otherwise it is appended.
func applyComputeTarget(t *table.Table, params config.Params) (*table.Table, error) {
	weights, err := params.Weights("columns")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	target, ok := params.Str("target_column")
	if !ok {
		return nil, fmt.Errorf("%w: target_column must be a string", ErrInvalidParameter)
	}
	threshold := 0.0
	if params.Has("threshold") {
		threshold, ok = params.Float("threshold")
		if !ok {
			return nil, fmt.Errorf("%w: threshold must be a number", ErrInvalidParameter)
		}
	}

	cols := make([][]any, len(weights))
	for i, w := range weights {
		cells, err := t.Column(w.Name)
		if err != nil {
			return nil, err
		}
		cols[i] = cells
	}

	rows := t.Rows()
	labels := make([]any, rows)
	for r := 0; r < rows; r++ {
		sum := 0.0
		for i, w := range weights {
			cell := cols[i][r]
			if cell == nil {
				sum = math.NaN()
				break
			}
			f, ok := table.Float(cell)
			if !ok {
				return nil, fmt.Errorf("column %q row %d: not numeric (%T)", weights[i].Name, r, cell)
			}
			sum += f * w.Weight
		}
		if sum >= threshold {
			labels[r] = int64(1)
		} else {
			labels[r] = int64(0)
		}
	}
	return t.WithColumn(target, labels)
}

// applyShuffle reorders rows with a permutation drawn from a PRNG seeded by
// random_state. The seeded sequence is stable across runs and platforms, so
// the same seed always yields the same row order.
func applyShuffle(t *table.Table, params config.Params) (*table.Table, error) {
	seed, ok := params.Int64("random_state")
	if !ok {
		return nil, fmt.Errorf("%w: random_state must be an integer", ErrInvalidParameter)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(t.Rows())
	return t.Reorder(perm)
}
