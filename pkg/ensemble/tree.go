package ensemble

import (
	"math/rand"
	"sort"
)

const (
	leaf           = -1
	unlimitedDepth = 64
	minGain        = 1e-12
)

// Node is one tree node. Internal nodes route a row left when its value is
// at most Threshold, or, for categorical splits, when its code is in
// LeftSet. Every node carries the output it would give as a leaf, which is
// what path attribution walks.
type Node struct {
	Feature     int
	Threshold   float64
	Categorical bool
	LeftSet     []int
	Left        int
	Right       int
	Value       float64
	Cover       float64
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return n.Left == leaf }

// Tree is a binary tree stored as a flat slice with the root at 0.
type Tree struct {
	Nodes []Node
}

func (n *Node) goesLeft(v float64) bool {
	if !n.Categorical {
		return v <= n.Threshold
	}
	c, ok := code(v)
	if !ok {
		return false
	}
	i := sort.SearchInts(n.LeftSet, c)
	return i < len(n.LeftSet) && n.LeftSet[i] == c
}

// leafFor returns the leaf index reached by x.
func (t *Tree) leafFor(x []float64) int {
	i := 0
	for !t.Nodes[i].IsLeaf() {
		n := &t.Nodes[i]
		if n.goesLeft(x[n.Feature]) {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return i
}

// Output returns the leaf value for x.
func (t *Tree) Output(x []float64) float64 {
	return t.Nodes[t.leafFor(x)].Value
}

// builder grows one tree from per-row first and second order statistics.
// Boosting passes gradients and hessians with sign -1; the forest passes
// positive-label weights and row weights with sign +1 and no L2, which
// makes the gain proportional to the gini impurity decrease.
type builder struct {
	bins        *binner
	X           [][]int
	grad        []float64
	hess        []float64
	weight      []float64
	maxDepth    int
	minLeaf     float64
	lambda      float64
	sign        float64
	maxFeatures int
	rnd         *rand.Rand
}

type histBin struct {
	g, h, c float64
}

type candidate struct {
	ok          bool
	gain        float64
	feature     int
	bin         int
	categorical bool
	leftSet     []int
}

func (b *builder) build(rows []int) Tree {
	t := Tree{Nodes: make([]Node, 0, nodeCapacity(b.maxDepth))}
	b.grow(&t, rows, 0)
	return t
}

func (b *builder) grow(t *Tree, rows []int, depth int) int {
	var G, H, C float64
	for _, i := range rows {
		G += b.grad[i]
		H += b.hess[i]
		C += b.weight[i]
	}

	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{
		Left:  leaf,
		Right: leaf,
		Value: b.value(G, H),
		Cover: C,
	})

	maxDepth := b.maxDepth
	if maxDepth <= 0 {
		maxDepth = unlimitedDepth
	}
	if depth >= maxDepth || C < 2*b.minLeaf {
		return idx
	}

	best := b.bestSplit(rows, G, H)
	if !best.ok {
		return idx
	}

	var left, right []int
	for _, i := range rows {
		if b.routesLeft(best, b.X[i][best.feature]) {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	n := &t.Nodes[idx]
	n.Feature = best.feature
	n.Categorical = best.categorical
	if best.categorical {
		n.LeftSet = best.leftSet
	} else {
		n.Threshold = b.bins.edges[best.feature][best.bin]
	}

	l := b.grow(t, left, depth+1)
	r := b.grow(t, right, depth+1)
	t.Nodes[idx].Left = l
	t.Nodes[idx].Right = r
	return idx
}

func nodeCapacity(depth int) int {
	if depth <= 0 || depth > 8 {
		return 1 << 9
	}
	return 1<<(depth+1) - 1
}

func (b *builder) value(G, H float64) float64 {
	den := H + b.lambda
	if den == 0 {
		return 0
	}
	return b.sign * G / den
}

func (b *builder) score(G, H float64) float64 {
	den := H + b.lambda
	if den == 0 {
		return 0
	}
	return G * G / den
}

func (b *builder) routesLeft(c candidate, bin int) bool {
	if !c.categorical {
		return bin <= c.bin
	}
	i := sort.SearchInts(c.leftSet, bin)
	return i < len(c.leftSet) && c.leftSet[i] == bin
}

func (b *builder) features() []int {
	p := len(b.bins.nBins)
	f := make([]int, p)
	for j := range f {
		f[j] = j
	}
	if b.maxFeatures <= 0 || b.maxFeatures >= p || b.rnd == nil {
		return f
	}
	b.rnd.Shuffle(p, func(i, j int) { f[i], f[j] = f[j], f[i] })
	f = f[:b.maxFeatures]
	sort.Ints(f)
	return f
}

func (b *builder) bestSplit(rows []int, G, H float64) candidate {
	parent := b.score(G, H)
	best := candidate{gain: minGain}

	for _, j := range b.features() {
		nb := b.bins.nBins[j]
		if nb < 2 {
			continue
		}
		hist := make([]histBin, nb)
		for _, i := range rows {
			hb := &hist[b.X[i][j]]
			hb.g += b.grad[i]
			hb.h += b.hess[i]
			hb.c += b.weight[i]
		}

		order := make([]int, 0, nb)
		if b.bins.categorical[j] {
			for k := range hist {
				if hist[k].c > 0 {
					order = append(order, k)
				}
			}
			// ordering categories by their leaf value makes a prefix scan
			// find the best binary partition
			sort.SliceStable(order, func(x, y int) bool {
				return b.value(hist[order[x]].g, hist[order[x]].h) < b.value(hist[order[y]].g, hist[order[y]].h)
			})
		} else {
			for k := range hist {
				order = append(order, k)
			}
		}

		var ctot float64
		for _, k := range order {
			ctot += hist[k].c
		}

		var gl, hl, cl float64
		for pos := 0; pos < len(order)-1; pos++ {
			hb := hist[order[pos]]
			gl += hb.g
			hl += hb.h
			cl += hb.c
			cr := ctot - cl
			if cl < b.minLeaf || cr < b.minLeaf || hb.c == 0 && !b.bins.categorical[j] {
				continue
			}
			gain := b.score(gl, hl) + b.score(G-gl, H-hl) - parent
			if gain > best.gain {
				best = candidate{
					ok:          true,
					gain:        gain,
					feature:     j,
					categorical: b.bins.categorical[j],
				}
				if best.categorical {
					set := append([]int(nil), order[:pos+1]...)
					sort.Ints(set)
					best.leftSet = set
				} else {
					best.bin = order[pos]
				}
			}
		}
	}
	return best
}
