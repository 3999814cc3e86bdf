package config

import (
	"fmt"
	"math"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path locates the offending field in the
// config file so the author can find it.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func errorIssue(path, format string, a ...any) Issue {
	return Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, a...)}
}

func warnIssue(path, format string, a ...any) Issue {
	return Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, a...)}
}

// splitTolerance bounds how far the two ratios may drift from summing to 1.
const splitTolerance = 1e-6

// Validate checks a loaded pipeline's structure and returns every issue
// found. Operation types and parameters are validated separately by the
// operation registry, which owns that knowledge.
//
// Callers must treat any SeverityError issue as fatal before running.
func Validate(p *Pipeline) []Issue {
	var issues []Issue

	if p.DatasetFile == "" {
		issues = append(issues, errorIssue("dataset_file", "required"))
	}
	if p.Target == "" {
		issues = append(issues, errorIssue("target", "required"))
	}

	issues = append(issues, validateRatio("split.train", p.Split.Train)...)
	issues = append(issues, validateRatio("split.validation", p.Split.Validation)...)
	if sum := p.Split.Train + p.Split.Validation; math.Abs(sum-1.0) > splitTolerance {
		issues = append(issues, errorIssue("split", "ratios sum to %v, want 1.0", sum))
	}

	switch p.StoreFormat {
	case "", "csv":
	default:
		issues = append(issues, errorIssue("store_format", "unsupported format %q (only csv)", p.StoreFormat))
	}
	if p.CheckpointPath == "" {
		issues = append(issues, warnIssue("checkpoint_path", "empty; step checkpointing disabled"))
	}

	if p.Model != nil {
		if p.Model.Trees < 0 {
			issues = append(issues, errorIssue("model.trees", "must not be negative"))
		}
		if p.Model.MaxDepth < 0 {
			issues = append(issues, errorIssue("model.max_depth", "must not be negative"))
		}
		if p.Model.MinLeaf < 0 {
			issues = append(issues, errorIssue("model.min_leaf", "must not be negative"))
		}
	}

	for i, op := range p.Operations {
		if op.Type == "" {
			issues = append(issues, errorIssue(fmt.Sprintf("operations[%d].type", i), "required"))
		}
	}
	if len(p.Operations) == 0 {
		issues = append(issues, warnIssue("operations", "pipeline has no operations"))
	}

	return issues
}

func validateRatio(path string, v float64) []Issue {
	// NaN fails the range check too.
	if !(v > 0 && v < 1) {
		return []Issue{errorIssue(path, "ratio %v must be between 0 and 1 exclusive", v)}
	}
	return nil
}
