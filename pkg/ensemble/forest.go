package ensemble

import (
	"context"
	"math"
	"math/rand"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// FitForest trains a bagged forest of gini trees. Trees are built in
// parallel; each uses its own random source seeded from p.Seed and its
// position, so results do not depend on scheduling.
func FitForest(ctx context.Context, X [][]float64, y []int, categorical []bool, p Params) (*Model, error) {
	if err := validate(X, y, categorical); err != nil {
		return nil, err
	}
	if p.Trees <= 0 {
		return nil, errors.Errorf("iterations must be positive: %d", p.Trees)
	}
	if p.MaxDepth < 0 {
		return nil, errors.Errorf("depth must not be negative: %d", p.MaxDepth)
	}
	if p.Subsample < 0 || p.Subsample > 1 {
		return nil, errors.Errorf("subsample must be in [0, 1]: %f", p.Subsample)
	}

	bins, err := newBinner(X, categorical, p.MaxBins)
	if err != nil {
		return nil, err
	}
	xb := bins.transform(X)

	n := len(X)
	width := len(categorical)
	maxFeatures := p.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Max(1, math.Round(math.Sqrt(float64(width)))))
	}
	minLeaf := p.MinLeaf
	if minLeaf <= 0 {
		minLeaf = 1
	}
	draws := n
	if p.Subsample > 0 && p.Subsample < 1 {
		draws = int(math.Max(1, math.Round(float64(n)*p.Subsample)))
	}

	pos := 0
	for _, l := range y {
		pos += l
	}
	m := &Model{
		Kind:        KindForest,
		Width:       width,
		Categorical: append([]bool(nil), categorical...),
		Init:        float64(pos) / float64(n),
		Trees:       make([]Tree, p.Trees),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for t := 0; t < p.Trees; t++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return errors.Wrapf(err, "forest stopped at tree %d", t)
			}

			rnd := rand.New(rand.NewSource(p.Seed + int64(t)))
			weight := make([]float64, n)
			for k := 0; k < draws; k++ {
				weight[rnd.Intn(n)]++
			}
			grad := make([]float64, n)
			rows := make([]int, 0, n)
			for i := 0; i < n; i++ {
				if weight[i] == 0 {
					continue
				}
				grad[i] = weight[i] * float64(y[i])
				rows = append(rows, i)
			}

			b := &builder{
				bins:        bins,
				X:           xb,
				grad:        grad,
				hess:        weight,
				weight:      weight,
				maxDepth:    p.MaxDepth,
				minLeaf:     float64(minLeaf),
				sign:        1,
				maxFeatures: maxFeatures,
				rnd:         rnd,
			}
			m.Trees[t] = b.build(rows)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}
