// Package model implements the unsupervised anomaly estimator: an isolation
// forest scored by average path length, with calibration constants frozen at
// training time so scoring is reproducible across processes and restarts.
package model

import (
	"math"
	"math/rand"
)

// forest is the trained isolation forest. It is immutable after Train and
// safe for concurrent Score calls. Fields are exported for JSON persistence.
type forest struct {
	Trees       []*node `json:"trees"`
	SampleSize  int     `json:"sample_size"`
	HeightLimit int     `json:"height_limit"`
}

// node is one split (or leaf) of an isolation tree.
type node struct {
	Leaf     bool    `json:"leaf"`
	Size     int     `json:"size,omitempty"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split_val,omitempty"`
	Left     *node   `json:"left,omitempty"`
	Right    *node   `json:"right,omitempty"`
}

// growForest builds numTrees trees from random subsamples of X. The caller
// owns the RNG so training is reproducible under a persisted seed.
func growForest(X [][]float64, numTrees, sampleSize int, rng *rand.Rand) *forest {
	if sampleSize > len(X) {
		sampleSize = len(X)
	}
	f := &forest{
		Trees:       make([]*node, numTrees),
		SampleSize:  sampleSize,
		HeightLimit: int(math.Ceil(math.Log2(float64(sampleSize)))) + 1,
	}
	for i := range f.Trees {
		idxs := rng.Perm(len(X))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range idxs {
			sample[j] = X[idx]
		}
		f.Trees[i] = grow(sample, 0, f.HeightLimit, rng)
	}
	return f
}

func grow(X [][]float64, height, limit int, rng *rand.Rand) *node {
	if len(X) <= 1 || height >= limit {
		return &node{Leaf: true, Size: len(X)}
	}

	dim := rng.Intn(len(X[0]))
	minv, maxv := X[0][dim], X[0][dim]
	for _, row := range X[1:] {
		if row[dim] < minv {
			minv = row[dim]
		}
		if row[dim] > maxv {
			maxv = row[dim]
		}
	}
	if minv == maxv {
		return &node{Leaf: true, Size: len(X)}
	}

	split := minv + rng.Float64()*(maxv-minv)
	var left, right [][]float64
	for _, row := range X {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{Leaf: true, Size: len(X)}
	}
	return &node{
		Dim:      dim,
		SplitVal: split,
		Left:     grow(left, height+1, limit, rng),
		Right:    grow(right, height+1, limit, rng),
	}
}

// rawScore returns the forest-native anomaly score in (0,1): 2^(-E[h(x)]/c(n)).
// Higher means easier to isolate, hence more anomalous.
func (f *forest) rawScore(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for _, t := range f.Trees {
		sum += pathLength(t, x, 0)
	}
	avg := sum / float64(len(f.Trees))
	c := avgPathLength(f.SampleSize)
	if c <= 0 {
		c = 1
	}
	return math.Pow(2, -avg/c)
}

func pathLength(n *node, x []float64, depth int) float64 {
	if n.Leaf {
		if n.Size <= 1 {
			return float64(depth)
		}
		return float64(depth) + avgPathLength(n.Size)
	}
	if x[n.Dim] < n.SplitVal {
		return pathLength(n.Left, x, depth+1)
	}
	return pathLength(n.Right, x, depth+1)
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search, used to normalize tree depths.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	const eulerMascheroni = 0.5772156649
	return 2*(math.Log(float64(n-1))+eulerMascheroni) - 2*float64(n-1)/float64(n)
}
