package ensemble

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

const defaultMaxBins = 64

// binner maps raw feature values to small integer bins so split search is
// a histogram scan. Categorical columns use their codes as bins.
type binner struct {
	categorical []bool
	edges       [][]float64 // numeric: ascending split thresholds
	nBins       []int
}

func newBinner(X [][]float64, categorical []bool, maxBins int) (*binner, error) {
	if maxBins < 2 {
		maxBins = defaultMaxBins
	}
	p := len(categorical)
	b := &binner{
		categorical: categorical,
		edges:       make([][]float64, p),
		nBins:       make([]int, p),
	}

	col := make([]float64, len(X))
	for j := 0; j < p; j++ {
		if categorical[j] {
			maxCode := -1
			for i := range X {
				c, ok := code(X[i][j])
				if !ok {
					return nil, errors.Errorf("feature %d row %d: invalid category code %v", j, i, X[i][j])
				}
				if c > maxCode {
					maxCode = c
				}
			}
			b.nBins[j] = maxCode + 1
			continue
		}

		for i := range X {
			v := X[i][j]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.Errorf("feature %d row %d: non-finite value", j, i)
			}
			col[i] = v
		}
		b.edges[j] = thresholds(col, maxBins)
		b.nBins[j] = len(b.edges[j]) + 1
	}
	return b, nil
}

// thresholds returns candidate split points: midpoints between distinct
// values, thinned to quantiles when there are too many.
func thresholds(col []float64, maxBins int) []float64 {
	s := append([]float64(nil), col...)
	sort.Float64s(s)
	distinct := s[:0:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			distinct = append(distinct, v)
		}
	}
	if len(distinct) < 2 {
		return nil
	}

	mids := make([]float64, len(distinct)-1)
	for i := range mids {
		mids[i] = distinct[i] + (distinct[i+1]-distinct[i])/2
	}
	if len(mids) <= maxBins-1 {
		return mids
	}

	out := make([]float64, 0, maxBins-1)
	for k := 1; k < maxBins; k++ {
		v := mids[k*len(mids)/maxBins]
		if len(out) == 0 || v > out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func (b *binner) bin(j int, v float64) int {
	if b.categorical[j] {
		c, _ := code(v)
		return c
	}
	return sort.SearchFloat64s(b.edges[j], v)
}

func (b *binner) transform(X [][]float64) [][]int {
	out := make([][]int, len(X))
	for i, row := range X {
		r := make([]int, len(row))
		for j, v := range row {
			r[j] = b.bin(j, v)
		}
		out[i] = r
	}
	return out
}

func code(v float64) (int, bool) {
	if math.IsNaN(v) || v < 0 || v != math.Trunc(v) {
		return -1, false
	}
	return int(v), true
}
