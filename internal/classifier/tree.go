package classifier

import (
	"math"
	"math/rand/v2"
	"slices"
)

const numClasses = 2

// Node is one node of a decision tree. Leaves have Left == -1.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Label     int
}

// Tree is a binary decision tree stored as a flat node slice rooted at index 0.
type Tree struct {
	Nodes []Node
}

// Predict walks the tree for one vector. The caller checks the width.
func (t *Tree) Predict(x []float64) int {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Left < 0 {
			return n.Label
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Depth returns the number of edges on the longest root-to-leaf path.
func (t *Tree) Depth() int {
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.Left < 0 {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	return walk(0)
}

type impurityFunc func(counts [numClasses]int, total int) float64

func entropy(counts [numClasses]int, total int) float64 {
	if total == 0 {
		return 0
	}
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

func gini(counts [numClasses]int, total int) float64 {
	if total == 0 {
		return 0
	}
	g := 1.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		g -= p * p
	}
	return g
}

func impurityFor(criterion string) impurityFunc {
	if criterion == CriterionGini {
		return gini
	}
	return entropy
}

// treeBuilder grows one tree over a bootstrap sample of the training set.
type treeBuilder struct {
	x               [][]float64
	y               []int
	rng             *rand.Rand
	impurity        impurityFunc
	maxFeatures     int
	maxDepth        int
	minSamplesSplit int
	nodes           []Node
}

func (b *treeBuilder) build(idx []int, depth int) int {
	counts := classCounts(b.y, idx)
	self := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Label: majority(counts)})

	if counts[0] == 0 || counts[1] == 0 {
		return self
	}
	if len(idx) < b.minSamplesSplit || (b.maxDepth > 0 && depth >= b.maxDepth) {
		return self
	}

	feature, threshold, ok := b.bestSplit(idx, counts)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[self].Feature = feature
	b.nodes[self].Threshold = threshold
	b.nodes[self].Left = l
	b.nodes[self].Right = r
	return self
}

// bestSplit draws candidate features in random order and returns the split
// with the highest impurity decrease. At least maxFeatures features are
// examined; more are drawn while none of them admits a split.
func (b *treeBuilder) bestSplit(idx []int, parent [numClasses]int) (int, float64, bool) {
	n := len(idx)
	parentImpurity := b.impurity(parent, n)

	bestGain := math.Inf(-1)
	bestFeature, bestThreshold := -1, 0.0

	sorted := make([]int, n)
	order := b.rng.Perm(len(b.x[0]))
	for visited, f := range order {
		if visited >= b.maxFeatures && bestFeature >= 0 {
			break
		}

		copy(sorted, idx)
		slices.SortFunc(sorted, func(i, j int) int {
			switch {
			case b.x[i][f] < b.x[j][f]:
				return -1
			case b.x[i][f] > b.x[j][f]:
				return 1
			}
			return 0
		})

		var left [numClasses]int
		for k := 0; k < n-1; k++ {
			left[b.y[sorted[k]]]++
			lo, hi := b.x[sorted[k]][f], b.x[sorted[k+1]][f]
			if lo == hi {
				continue
			}
			right := [numClasses]int{parent[0] - left[0], parent[1] - left[1]}
			nl, nr := k+1, n-k-1
			gain := parentImpurity -
				float64(nl)/float64(n)*b.impurity(left, nl) -
				float64(nr)/float64(n)*b.impurity(right, nr)
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = midpoint(lo, hi)
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

// midpoint returns a threshold t with lo <= t < hi.
func midpoint(lo, hi float64) float64 {
	t := lo + (hi-lo)/2
	if t >= hi || math.IsInf(t, 0) {
		return lo
	}
	return t
}

func classCounts(y []int, idx []int) [numClasses]int {
	var c [numClasses]int
	for _, i := range idx {
		c[y[i]]++
	}
	return c
}

// majority returns the most frequent label, preferring benign on ties.
func majority(c [numClasses]int) int {
	if c[1] > c[0] {
		return 1
	}
	return 0
}
