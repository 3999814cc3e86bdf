package model

import (
	"errors"
	"fmt"
)

// Accuracy returns the fraction of predictions equal to the true labels.
func Accuracy(yTrue, yPred []int64) (float64, error) {
	if len(yTrue) != len(yPred) {
		return 0, fmt.Errorf("model: %d labels vs %d predictions", len(yTrue), len(yPred))
	}
	if len(yTrue) == 0 {
		return 0, errors.New("model: no labels to score")
	}
	hits := 0
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(yTrue)), nil
}
