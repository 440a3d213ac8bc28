package split

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

const (
	// DefaultTestFraction is the held-out share used by every comparison run.
	DefaultTestFraction = 0.2
	// DefaultSeed keeps partitions reproducible across runs.
	DefaultSeed int64 = 42
)

// Indices is a train/test partition of dataset positions. Both slices are
// sorted ascending and disjoint.
type Indices struct {
	Train []int `json:"train" yaml:"train"`
	Test  []int `json:"test" yaml:"test"`
}

// Stratified partitions positions by label value and samples the held-out
// fraction independently within each stratum. The same labels, fraction
// and seed always yield the same partition.
func Stratified(labels []int, fraction float64, seed int64) (*Indices, error) {
	if len(labels) == 0 {
		return nil, errors.New("no labels to split")
	}
	if fraction <= 0 || fraction >= 1 {
		return nil, errors.Errorf("test fraction must be in (0, 1): %f", fraction)
	}

	rnd := rand.New(rand.NewSource(seed))
	out := &Indices{
		Train: make([]int, 0, len(labels)),
		Test:  make([]int, 0, int(float64(len(labels))*fraction)+len(strataOf(labels))),
	}

	for _, stratum := range strata(labels) {
		rnd.Shuffle(len(stratum), func(i, j int) { stratum[i], stratum[j] = stratum[j], stratum[i] })
		nTest := int(math.Round(float64(len(stratum)) * fraction))
		out.Test = append(out.Test, stratum[:nTest]...)
		out.Train = append(out.Train, stratum[nTest:]...)
	}

	if len(out.Train) == 0 || len(out.Test) == 0 {
		return nil, errors.Errorf("split of %d records at %f leaves an empty partition", len(labels), fraction)
	}

	sort.Ints(out.Train)
	sort.Ints(out.Test)
	return out, nil
}

// strata groups positions by label, ordered by label value, each group in
// ascending position order.
func strata(labels []int) [][]int {
	keys := strataOf(labels)
	groups := make(map[int][]int, len(keys))
	for i, l := range labels {
		groups[l] = append(groups[l], i)
	}
	out := make([][]int, len(keys))
	for i, k := range keys {
		out[i] = groups[k]
	}
	return out
}

func strataOf(labels []int) []int {
	seen := make(map[int]bool)
	var keys []int
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			keys = append(keys, l)
		}
	}
	sort.Ints(keys)
	return keys
}

// PositiveRate returns the share of label 1 among the given positions.
func PositiveRate(labels []int, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	pos := 0
	for _, i := range idx {
		if labels[i] == 1 {
			pos++
		}
	}
	return float64(pos) / float64(len(idx))
}
