// Package model implements a random-forest classifier for tabular data.
//
// Training is deterministic: the same features, labels and seed always grow
// the same forest and yield the same predictions, which is what makes
// pipeline runs reproducible. Trees are grown sequentially; each takes its
// own rand source derived from the forest seed.
package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Forest is a bagged ensemble of CART trees with per-node feature
// subsampling. The zero value is not usable; construct with NewForest.
type Forest struct {
	trees       int
	maxDepth    int
	minLeaf     int
	maxFeatures int
	seed        int64

	classes  []int64
	features int
	grown    []*tree
}

// Option configures a Forest.
type Option func(*Forest)

// WithTrees sets the ensemble size.
func WithTrees(n int) Option { return func(f *Forest) { f.trees = n } }

// WithMaxDepth caps tree depth; 0 means unlimited.
func WithMaxDepth(d int) Option { return func(f *Forest) { f.maxDepth = d } }

// WithMinLeaf sets the minimum samples per leaf.
func WithMinLeaf(n int) Option { return func(f *Forest) { f.minLeaf = n } }

// WithMaxFeatures sets the per-node feature subsample size; 0 means
// floor(sqrt(p)).
func WithMaxFeatures(k int) Option { return func(f *Forest) { f.maxFeatures = k } }

// WithSeed sets the seed all bootstrap and feature sampling derives from.
func WithSeed(seed int64) Option { return func(f *Forest) { f.seed = seed } }

// NewForest returns a forest with defaults sized for mid-scale tabular
// datasets: 20 trees, depth 12, one sample per leaf, seed 1.
func NewForest(opts ...Option) *Forest {
	f := &Forest{
		trees:    20,
		maxDepth: 12,
		minLeaf:  1,
		seed:     1,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fit grows the ensemble on X (n rows by p features) and y (n labels).
// Missing feature values must be math.NaN(); they are routed past numeric
// thresholds, never compared. A single-class y yields a constant predictor.
func (f *Forest) Fit(X [][]float64, y []int64) error {
	if len(X) == 0 {
		return errors.New("model: empty training set")
	}
	if len(y) != len(X) {
		return fmt.Errorf("model: %d feature rows vs %d labels", len(X), len(y))
	}
	p := len(X[0])
	if p == 0 {
		return errors.New("model: no feature columns")
	}
	for i := range X {
		if len(X[i]) != p {
			return fmt.Errorf("model: row %d has %d features, want %d", i, len(X[i]), p)
		}
	}
	if f.trees < 1 {
		return fmt.Errorf("model: ensemble size %d, want at least 1", f.trees)
	}
	if f.minLeaf < 1 {
		return fmt.Errorf("model: min leaf %d, want at least 1", f.minLeaf)
	}

	f.classes = uniqueSorted(y)
	f.features = p

	maxFeatures := f.maxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Sqrt(float64(p)))
		if maxFeatures < 1 {
			maxFeatures = 1
		}
	}

	n := len(X)
	f.grown = make([]*tree, f.trees)
	for i := range f.grown {
		rnd := rand.New(rand.NewSource(f.seed + int64(i)))
		sample := make([]int, n)
		for j := range sample {
			sample[j] = rnd.Intn(n)
		}
		tr := &tree{
			maxDepth:    f.maxDepth,
			minLeaf:     f.minLeaf,
			maxFeatures: maxFeatures,
			classes:     f.classes,
			rnd:         rnd,
		}
		tr.fit(X, y, sample)
		f.grown[i] = tr
	}
	return nil
}

// Predict returns the majority-vote label for each row. Vote ties resolve
// to the smallest label, so predictions are a pure function of the fitted
// forest and the input.
func (f *Forest) Predict(X [][]float64) ([]int64, error) {
	if f.grown == nil {
		return nil, errors.New("model: forest not fitted")
	}
	for i := range X {
		if len(X[i]) != f.features {
			return nil, fmt.Errorf("model: row %d has %d features, want %d", i, len(X[i]), f.features)
		}
	}

	out := make([]int64, len(X))
	votes := make([]int, len(f.classes))
	for i, row := range X {
		for j := range votes {
			votes[j] = 0
		}
		for _, tr := range f.grown {
			votes[tr.predictIndex(row)]++
		}
		out[i] = f.classes[argmax(votes)]
	}
	return out, nil
}

// Classes returns the sorted distinct labels seen during Fit.
func (f *Forest) Classes() []int64 {
	out := make([]int64, len(f.classes))
	copy(out, f.classes)
	return out
}

func uniqueSorted(y []int64) []int64 {
	seen := make(map[int64]struct{}, 4)
	out := make([]int64, 0, 4)
	for _, lab := range y {
		if _, ok := seen[lab]; !ok {
			seen[lab] = struct{}{}
			out = append(out, lab)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
