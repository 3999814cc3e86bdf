// Package eval trains a forest on the train partition and scores it on the
// validation partition.
//
// Accuracy is computed twice on purpose: once through the model package and
// once by a direct match count here. The two paths agreeing is a cheap
// end-to-end check that labels, predictions and row order line up.
package eval

import (
	"context"
	"errors"
	"fmt"

	"mlprep/internal/config"
	"mlprep/internal/metrics"
	"mlprep/internal/model"
	"mlprep/internal/table"
)

var (
	// ErrTargetNotBinary reports target labels outside {0, 1}.
	ErrTargetNotBinary = errors.New("target not binary")
	// ErrEmptyDataset reports a partition with no rows.
	ErrEmptyDataset = errors.New("empty dataset")
)

// Result carries both accuracy computations and the partition sizes.
type Result struct {
	LibraryAccuracy float64
	ManualAccuracy  float64
	TrainRows       int
	ValidationRows  int
}

// Evaluate fits a classifier on train and scores it on validation. The
// target column supplies the labels and is excluded from the features; a
// datetime index never reaches the features either.
func Evaluate(ctx context.Context, train, validation *table.Table, target string, m config.Model) (Result, error) {
	if train.Rows() == 0 {
		return Result{}, fmt.Errorf("train partition: %w", ErrEmptyDataset)
	}
	if validation.Rows() == 0 {
		return Result{}, fmt.Errorf("validation partition: %w", ErrEmptyDataset)
	}

	yTrain, err := labels(train, target)
	if err != nil {
		return Result{}, fmt.Errorf("train partition: %w", err)
	}
	yVal, err := labels(validation, target)
	if err != nil {
		return Result{}, fmt.Errorf("validation partition: %w", err)
	}

	xTrain, err := train.Features(target)
	if err != nil {
		return Result{}, fmt.Errorf("train partition: %w", err)
	}
	xVal, err := validation.Features(target)
	if err != nil {
		return Result{}, fmt.Errorf("validation partition: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	forest := model.NewForest(
		model.WithTrees(m.Trees),
		model.WithMaxDepth(m.MaxDepth),
		model.WithMinLeaf(m.MinLeaf),
		model.WithSeed(m.Seed),
	)
	if err := forest.Fit(xTrain, yTrain); err != nil {
		return Result{}, fmt.Errorf("fit: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	pred, err := forest.Predict(xVal)
	if err != nil {
		return Result{}, fmt.Errorf("predict: %w", err)
	}

	lib, err := model.Accuracy(yVal, pred)
	if err != nil {
		return Result{}, fmt.Errorf("score: %w", err)
	}

	hits := 0
	for i := range yVal {
		if yVal[i] == pred[i] {
			hits++
		}
	}
	manual := float64(hits) / float64(len(yVal))

	metrics.RecordAccuracy("library", lib)
	metrics.RecordAccuracy("manual", manual)

	return Result{
		LibraryAccuracy: lib,
		ManualAccuracy:  manual,
		TrainRows:       train.Rows(),
		ValidationRows:  validation.Rows(),
	}, nil
}

// labels extracts the target column and enforces binary {0, 1} labels.
func labels(t *table.Table, target string) ([]int64, error) {
	y, err := t.IntColumn(target)
	if err != nil {
		return nil, err
	}
	for i, lab := range y {
		if lab != 0 && lab != 1 {
			return nil, fmt.Errorf("%w: row %d has label %d", ErrTargetNotBinary, i, lab)
		}
	}
	return y, nil
}
