// Package probe inspects a loaded dataset and reports enough structure to
// write a pipeline config for it: per-column types and cardinality, a
// guessed binary target column, and a runnable starter config.
//
// All inspection is bounded and best-effort; a probe never fails on odd
// data, it reports what it saw.
package probe

import (
	"fmt"
	"strings"
	"time"

	"mlprep/internal/config"
	"mlprep/internal/table"
)

// distinctCap bounds per-column distinct counting so a high-cardinality
// column (ids, hashes) cannot grow the scan without bound.
const distinctCap = 10000

// ColumnStat summarizes one inspected column.
type ColumnStat struct {
	// Name is the column name as loaded.
	Name string
	// Type is the observed cell type: "int", "float", "time", "string",
	// or "empty" when every cell is missing.
	Type string
	// Rows counts cells with a value; Missing counts nil cells.
	Rows    int
	Missing int
	// Distinct counts unique values, bounded by distinctCap; Capped reports
	// whether the bound was hit.
	Distinct int
	Capped   bool
}

// Inspect scans every column of t and returns its stats in column order.
func Inspect(t *table.Table) []ColumnStat {
	stats := make([]ColumnStat, 0, t.Cols())
	for _, name := range t.Names() {
		cells, err := t.Column(name)
		if err != nil {
			continue
		}

		st := ColumnStat{Name: name, Type: columnType(cells)}
		set := make(map[string]struct{})
		for _, c := range cells {
			if c == nil {
				st.Missing++
				continue
			}
			st.Rows++
			if st.Capped {
				continue
			}
			set[table.CellString(c)] = struct{}{}
			if len(set) >= distinctCap {
				st.Capped = true
				set = nil
			}
		}
		if st.Capped {
			st.Distinct = distinctCap
		} else {
			st.Distinct = len(set)
		}
		stats = append(stats, st)
	}
	return stats
}

func columnType(cells []any) string {
	var hasFloat, hasString, hasTime, hasValue bool
	for _, c := range cells {
		switch c.(type) {
		case nil:
		case int64:
			hasValue = true
		case float64:
			hasFloat, hasValue = true, true
		case time.Time:
			hasTime, hasValue = true, true
		default:
			hasString, hasValue = true, true
		}
	}
	switch {
	case !hasValue:
		return "empty"
	case hasString:
		return "string"
	case hasTime:
		return "time"
	case hasFloat:
		return "float"
	default:
		return "int"
	}
}

// SuggestTarget returns the first integer column whose values are exactly
// {0, 1} with nothing missing, or "" when the dataset has no such column.
func SuggestTarget(t *table.Table, stats []ColumnStat) string {
	for _, st := range stats {
		if st.Type != "int" || st.Missing > 0 || st.Distinct != 2 {
			continue
		}
		labels, err := t.IntColumn(st.Name)
		if err != nil {
			continue
		}
		binary := true
		for _, v := range labels {
			if v != 0 && v != 1 {
				binary = false
				break
			}
		}
		if binary {
			return st.Name
		}
	}
	return ""
}

// StarterConfig returns a runnable pipeline config for a dataset: default
// split and model settings, a Shuffle so the split is not order-biased, and
// the given target column. Callers refine it by hand; an empty target must
// be filled in before the config validates.
func StarterConfig(datasetFile, target string) *config.Pipeline {
	return &config.Pipeline{
		Version:        config.DefaultVersion,
		DatasetFile:    datasetFile,
		Target:         target,
		CheckpointPath: "checkpoints",
		Split:          config.SplitRatios{Train: 0.8, Validation: 0.2},
		Operations: []config.Operation{
			{Type: "Shuffle", Params: config.Params{"random_state": 1}},
		},
		Model: &config.Model{
			Trees:    config.DefaultModelTrees,
			MaxDepth: config.DefaultModelMaxDepth,
			MinLeaf:  config.DefaultModelMinLeaf,
			Seed:     config.DefaultModelSeed,
		},
	}
}

// Report renders the stats as an aligned text table.
func Report(stats []ColumnStat) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s\t%-7s\t%8s\t%8s\t%8s\tcapped\n", "col", "type", "rows", "missing", "unique")
	for _, st := range stats {
		fmt.Fprintf(&b, "%-24s\t%-7s\t%8d\t%8d\t%8d\t%t\n",
			st.Name, st.Type, st.Rows, st.Missing, st.Distinct, st.Capped)
	}
	return strings.TrimRight(b.String(), "\n")
}
