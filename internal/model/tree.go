package model

import (
	"math"
	"math/rand"
	"sort"
)

// tree is one CART classifier grown on a bootstrap sample. Splits are
// numeric only: x <= threshold goes left, so NaN (missing) always falls
// right. Thresholds are midpoints between adjacent distinct values.
type tree struct {
	maxDepth    int
	minLeaf     int
	maxFeatures int
	classes     []int64
	rnd         *rand.Rand

	root *treeNode
}

type treeNode struct {
	leaf      bool
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode

	n    int
	pred int // index into classes
}

type split struct {
	gain      float64
	feature   int
	threshold float64
}

type valueIndex struct {
	v float64
	i int
}

func (t *tree) fit(X [][]float64, y []int64, idx []int) {
	t.root = t.grow(X, y, idx, 0)
}

func (t *tree) grow(X [][]float64, y []int64, idx []int, depth int) *treeNode {
	counts := t.countClasses(y, idx)
	node := &treeNode{n: len(idx), pred: argmax(counts)}

	if isPure(counts) || len(idx) < 2*t.minLeaf || len(idx) < 2 {
		node.leaf = true
		return node
	}
	if t.maxDepth > 0 && depth >= t.maxDepth {
		node.leaf = true
		return node
	}

	best := t.bestSplit(X, y, idx, counts)
	if best.feature < 0 {
		node.leaf = true
		return node
	}

	left, right := partition(X, idx, best.feature, best.threshold)
	node.feature = best.feature
	node.threshold = best.threshold
	node.left = t.grow(X, y, left, depth+1)
	node.right = t.grow(X, y, right, depth+1)
	return node
}

// bestSplit scans a per-node feature subsample for the threshold with the
// highest Gini gain. Ties keep the first candidate found, so the scan order
// (and with it the grown tree) is fixed by the seed.
func (t *tree) bestSplit(X [][]float64, y []int64, idx []int, counts []int) split {
	best := split{feature: -1}
	parent := gini(counts)
	total := len(idx)
	p := len(X[0])

	feats := make([]int, p)
	for j := range feats {
		feats[j] = j
	}
	if t.maxFeatures > 0 && t.maxFeatures < p {
		t.rnd.Shuffle(len(feats), func(a, b int) { feats[a], feats[b] = feats[b], feats[a] })
		feats = feats[:t.maxFeatures]
	}

	leftCounts := make([]int, len(t.classes))
	rightCounts := make([]int, len(t.classes))

	for _, f := range feats {
		valid := make([]valueIndex, 0, total)
		for _, i := range idx {
			if v := X[i][f]; !math.IsNaN(v) {
				valid = append(valid, valueIndex{v, i})
			}
		}
		if len(valid) < 2 {
			continue
		}
		sort.Slice(valid, func(a, b int) bool { return valid[a].v < valid[b].v })

		for j := range leftCounts {
			leftCounts[j] = 0
			rightCounts[j] = counts[j]
		}

		for s := 1; s < len(valid); s++ {
			ci := t.classIndex(y[valid[s-1].i])
			leftCounts[ci]++
			rightCounts[ci]--

			if valid[s].v == valid[s-1].v {
				continue
			}
			nLeft := s
			nRight := total - s // NaN rows stay on the right
			if nLeft < t.minLeaf || nRight < t.minLeaf {
				continue
			}

			weighted := (float64(nLeft)*gini(leftCounts) + float64(nRight)*gini(rightCounts)) / float64(total)
			gain := parent - weighted
			if gain > best.gain {
				best = split{
					gain:      gain,
					feature:   f,
					threshold: (valid[s-1].v + valid[s].v) / 2,
				}
			}
		}
	}
	return best
}

func partition(X [][]float64, idx []int, feature int, threshold float64) (left, right []int) {
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}

// predictIndex walks the tree for one row and returns the class index.
func (t *tree) predictIndex(x []float64) int {
	node := t.root
	for !node.leaf {
		if x[node.feature] <= node.threshold {
			node = node.left
		} else {
			node = node.right
		}
	}
	return node.pred
}

func (t *tree) countClasses(y []int64, idx []int) []int {
	counts := make([]int, len(t.classes))
	for _, i := range idx {
		counts[t.classIndex(y[i])]++
	}
	return counts
}

func (t *tree) classIndex(label int64) int {
	for i, c := range t.classes {
		if c == label {
			return i
		}
	}
	return 0
}

func gini(counts []int) float64 {
	n := 0
	for _, c := range counts {
		n += c
	}
	if n == 0 {
		return 0
	}
	res := 0.0
	for _, c := range counts {
		p := float64(c) / float64(n)
		res += p * (1 - p)
	}
	return res
}

func isPure(counts []int) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}

func argmax(counts []int) int {
	best := 0
	for i := 1; i < len(counts); i++ {
		if counts[i] > counts[best] {
			best = i
		}
	}
	return best
}
