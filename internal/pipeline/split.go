package pipeline

import (
	"errors"
	"fmt"
	"math"

	"mlprep/internal/table"
)

// ErrInvalidSplit reports split ratios that cannot partition a dataset.
var ErrInvalidSplit = errors.New("invalid split")

const splitTolerance = 1e-6

// SplitResult holds the two contiguous partitions of a dataset.
type SplitResult struct {
	Train      *table.Table
	Validation *table.Table
}

// Split partitions t by row position: the first floor(trainRatio*rows) rows
// become the training set, the remainder the validation set. No sampling is
// involved; randomization is an explicit Shuffle step upstream.
//
// The ratios must each lie in (0, 1) and sum to 1 within a small tolerance.
// An empty input yields two empty partitions.
func Split(t *table.Table, trainRatio, validationRatio float64) (SplitResult, error) {
	if !(trainRatio > 0 && trainRatio < 1) {
		return SplitResult{}, fmt.Errorf("%w: train ratio %v out of range", ErrInvalidSplit, trainRatio)
	}
	if !(validationRatio > 0 && validationRatio < 1) {
		return SplitResult{}, fmt.Errorf("%w: validation ratio %v out of range", ErrInvalidSplit, validationRatio)
	}
	sum := trainRatio + validationRatio
	if !(math.Abs(sum-1) <= splitTolerance) {
		return SplitResult{}, fmt.Errorf("%w: ratios sum to %v, want 1", ErrInvalidSplit, sum)
	}

	rows := t.Rows()
	trainCount := int(math.Floor(trainRatio * float64(rows)))

	train, err := t.Slice(0, trainCount)
	if err != nil {
		return SplitResult{}, err
	}
	validation, err := t.Slice(trainCount, rows)
	if err != nil {
		return SplitResult{}, err
	}
	return SplitResult{Train: train, Validation: validation}, nil
}
