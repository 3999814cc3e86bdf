// Package table holds the in-memory tabular dataset the pipeline operates on.
//
// A Table is an ordered set of named columns of scalar cells (int64, float64,
// string, time.Time, or nil for missing). All columns have equal length and
// rows keep their insertion order until explicitly reordered. One column may
// be promoted to the table's index: a labeling column (typically a timestamp)
// that is written first in CSV output and excluded from feature extraction.
//
// Transform helpers (Head, Drop, WithColumn, WithIndex, Reorder) never mutate
// the receiver; they return a new Table with freshly allocated column slices,
// so a prior pipeline step can safely keep a reference to its own output.
package table

import (
	"errors"
	"fmt"
	"math"
)

// ErrColumnNotFound reports a reference to a column the table does not have.
var ErrColumnNotFound = errors.New("column not found")

// Table is an in-memory rectangular dataset. The zero value is an empty table.
type Table struct {
	names []string
	cols  [][]any

	indexName string
	index     []any // nil when no index is set
}

// FromColumns builds a table from parallel name/column slices.
//
// Errors:
//   - names and cols must have equal length
//   - column lengths must all match
//   - duplicate column names are rejected
//
// The slices are copied; the caller keeps ownership of its arguments.
func FromColumns(names []string, cols [][]any) (*Table, error) {
	if len(names) != len(cols) {
		return nil, fmt.Errorf("table: %d names for %d columns", len(names), len(cols))
	}
	seen := make(map[string]struct{}, len(names))
	rows := -1
	for i, n := range names {
		if n == "" {
			return nil, fmt.Errorf("table: empty column name at position %d", i)
		}
		if _, ok := seen[n]; ok {
			return nil, fmt.Errorf("table: duplicate column %q", n)
		}
		seen[n] = struct{}{}
		if rows == -1 {
			rows = len(cols[i])
		} else if len(cols[i]) != rows {
			return nil, fmt.Errorf("table: column %q has %d rows, want %d", n, len(cols[i]), rows)
		}
	}
	t := &Table{
		names: append([]string(nil), names...),
		cols:  make([][]any, len(cols)),
	}
	for i := range cols {
		t.cols[i] = append([]any(nil), cols[i]...)
	}
	return t, nil
}

// Rows returns the number of rows.
func (t *Table) Rows() int {
	if len(t.cols) > 0 {
		return len(t.cols[0])
	}
	return len(t.index)
}

// Cols returns the number of feature/label columns (the index is not counted).
func (t *Table) Cols() int { return len(t.names) }

// Names returns the column names in order. The slice is a copy.
func (t *Table) Names() []string { return append([]string(nil), t.names...) }

// HasColumn reports whether a column with the given name exists.
func (t *Table) HasColumn(name string) bool { return t.colIndex(name) >= 0 }

// Column returns the cells of a named column. The returned slice is shared
// with the table and must be treated as read-only.
func (t *Table) Column(name string) ([]any, error) {
	i := t.colIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}
	return t.cols[i], nil
}

// IndexName returns the name of the index column, or "" when none is set.
func (t *Table) IndexName() string { return t.indexName }

// Index returns the index cells (shared, read-only), or nil when none is set.
func (t *Table) Index() []any { return t.index }

func (t *Table) colIndex(name string) int {
	for i, n := range t.names {
		if n == name {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of the table (cell slices are reallocated; cells
// themselves are immutable scalars).
func (t *Table) Clone() *Table {
	out := &Table{
		names:     append([]string(nil), t.names...),
		cols:      make([][]any, len(t.cols)),
		indexName: t.indexName,
	}
	for i := range t.cols {
		out.cols[i] = append([]any(nil), t.cols[i]...)
	}
	if t.index != nil {
		out.index = append([]any(nil), t.index...)
	}
	return out
}

// Head returns a new table holding the first n rows in current order.
// If n exceeds the row count the whole table is copied; n < 0 is treated as 0.
func (t *Table) Head(n int) *Table {
	if n < 0 {
		n = 0
	}
	if n > t.Rows() {
		n = t.Rows()
	}
	out := &Table{
		names:     append([]string(nil), t.names...),
		cols:      make([][]any, len(t.cols)),
		indexName: t.indexName,
	}
	for i := range t.cols {
		out.cols[i] = append([]any(nil), t.cols[i][:n]...)
	}
	if t.index != nil {
		out.index = append([]any(nil), t.index[:n]...)
	}
	return out
}

// Drop returns a new table without the named columns.
// Fails with ErrColumnNotFound if any name is absent.
func (t *Table) Drop(names ...string) (*Table, error) {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		if t.colIndex(n) < 0 {
			return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, n)
		}
		drop[n] = struct{}{}
	}
	out := &Table{indexName: t.indexName}
	for i, n := range t.names {
		if _, ok := drop[n]; ok {
			continue
		}
		out.names = append(out.names, n)
		out.cols = append(out.cols, append([]any(nil), t.cols[i]...))
	}
	if t.index != nil {
		out.index = append([]any(nil), t.index...)
	}
	return out, nil
}

// WithColumn returns a new table where the named column holds the given
// cells: overwritten in place when the column exists, appended last
// otherwise. The cells slice must match the row count, except on a table
// with no columns yet, where it defines it.
func (t *Table) WithColumn(name string, cells []any) (*Table, error) {
	if name == "" {
		return nil, errors.New("table: empty column name")
	}
	if t.Cols() > 0 || t.index != nil {
		if len(cells) != t.Rows() {
			return nil, fmt.Errorf("table: column %q has %d cells, want %d", name, len(cells), t.Rows())
		}
	}
	out := t.Clone()
	if i := out.colIndex(name); i >= 0 {
		out.cols[i] = append([]any(nil), cells...)
		return out, nil
	}
	out.names = append(out.names, name)
	out.cols = append(out.cols, append([]any(nil), cells...))
	return out, nil
}

// WithIndex returns a new table where the named feature column is removed
// and the given cells become the table's index under that name. Passing nil
// cells reuses the column's current cells.
//
// Errors:
//   - ErrColumnNotFound when the column is absent
//   - cells, when given, must match the row count
func (t *Table) WithIndex(name string, cells []any) (*Table, error) {
	i := t.colIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}
	if cells == nil {
		cells = t.cols[i]
	}
	if len(cells) != t.Rows() {
		return nil, fmt.Errorf("table: index %q has %d cells, want %d", name, len(cells), t.Rows())
	}
	out := &Table{indexName: name, index: append([]any(nil), cells...)}
	for j, n := range t.names {
		if j == i {
			continue
		}
		out.names = append(out.names, n)
		out.cols = append(out.cols, append([]any(nil), t.cols[j]...))
	}
	return out, nil
}

// Reorder returns a new table whose row i is the receiver's row perm[i].
// perm must be a permutation of [0, Rows): same length, all positions in
// range and used exactly once.
func (t *Table) Reorder(perm []int) (*Table, error) {
	rows := t.Rows()
	if len(perm) != rows {
		return nil, fmt.Errorf("table: permutation has %d entries, want %d", len(perm), rows)
	}
	seen := make([]bool, rows)
	for _, p := range perm {
		if p < 0 || p >= rows || seen[p] {
			return nil, fmt.Errorf("table: invalid permutation entry %d", p)
		}
		seen[p] = true
	}
	out := &Table{
		names:     append([]string(nil), t.names...),
		cols:      make([][]any, len(t.cols)),
		indexName: t.indexName,
	}
	for c := range t.cols {
		col := make([]any, rows)
		for i, p := range perm {
			col[i] = t.cols[c][p]
		}
		out.cols[c] = col
	}
	if t.index != nil {
		idx := make([]any, rows)
		for i, p := range perm {
			idx[i] = t.index[p]
		}
		out.index = idx
	}
	return out, nil
}

// Slice returns a new table holding rows [from, to) in current order.
// Used by the splitter; bounds must satisfy 0 <= from <= to <= Rows.
func (t *Table) Slice(from, to int) (*Table, error) {
	if from < 0 || to < from || to > t.Rows() {
		return nil, fmt.Errorf("table: slice [%d:%d) out of range for %d rows", from, to, t.Rows())
	}
	out := &Table{
		names:     append([]string(nil), t.names...),
		cols:      make([][]any, len(t.cols)),
		indexName: t.indexName,
	}
	for i := range t.cols {
		out.cols[i] = append([]any(nil), t.cols[i][from:to]...)
	}
	if t.index != nil {
		out.index = append([]any(nil), t.index[from:to]...)
	}
	return out, nil
}

// Features extracts a row-major numeric matrix from all columns except the
// excluded names (the index column is never included). Missing cells become
// NaN; a non-numeric cell is an error naming the column and row.
func (t *Table) Features(exclude ...string) ([][]float64, error) {
	skip := make(map[string]struct{}, len(exclude))
	for _, n := range exclude {
		skip[n] = struct{}{}
	}
	var picked []int
	for i, n := range t.names {
		if _, ok := skip[n]; ok {
			continue
		}
		picked = append(picked, i)
	}
	rows := t.Rows()
	X := make([][]float64, rows)
	for r := 0; r < rows; r++ {
		x := make([]float64, len(picked))
		for j, c := range picked {
			cell := t.cols[c][r]
			if cell == nil {
				x[j] = math.NaN()
				continue
			}
			f, ok := Float(cell)
			if !ok {
				return nil, fmt.Errorf("table: column %q row %d: not numeric (%T)", t.names[c], r, cell)
			}
			x[j] = f
		}
		X[r] = x
	}
	return X, nil
}

// IntColumn returns a named column coerced to int64.
// Float cells must be integral; anything else is an error.
func (t *Table) IntColumn(name string) ([]int64, error) {
	cells, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(cells))
	for r, cell := range cells {
		switch v := cell.(type) {
		case int64:
			out[r] = v
		case float64:
			if v != math.Trunc(v) || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("table: column %q row %d: %v is not an integer", name, r, v)
			}
			out[r] = int64(v)
		default:
			return nil, fmt.Errorf("table: column %q row %d: not an integer (%T)", name, r, cell)
		}
	}
	return out, nil
}
