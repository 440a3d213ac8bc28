package ensemble

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
)

// FitBoosted trains a logistic-loss gradient boosted ensemble. Each tree
// fits Newton steps on the current gradients; leaves are shrunk by L2 and
// scaled by the learning rate. Fitting stops early with the context error
// if ctx is done between trees.
func FitBoosted(ctx context.Context, X [][]float64, y []int, categorical []bool, p Params) (*Model, error) {
	if err := validate(X, y, categorical); err != nil {
		return nil, err
	}
	if p.Trees <= 0 {
		return nil, errors.Errorf("iterations must be positive: %d", p.Trees)
	}
	if p.MaxDepth <= 0 {
		return nil, errors.Errorf("depth must be positive: %d", p.MaxDepth)
	}
	if p.LearningRate <= 0 || p.LearningRate > 1 {
		return nil, errors.Errorf("learning rate must be in (0, 1]: %f", p.LearningRate)
	}
	if p.L2 < 0 {
		return nil, errors.Errorf("l2 regularization must not be negative: %f", p.L2)
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
	pos := 0
	for _, l := range y {
		pos += l
	}
	m := &Model{
		Kind:         KindBoosted,
		Width:        len(categorical),
		Categorical:  append([]bool(nil), categorical...),
		Init:         logit(float64(pos) / float64(n)),
		LearningRate: p.LearningRate,
		Trees:        make([]Tree, 0, p.Trees),
	}

	minLeaf := p.MinLeaf
	if minLeaf <= 0 {
		minLeaf = 1
	}

	raw := make([]float64, n)
	for i := range raw {
		raw[i] = m.Init
	}
	grad := make([]float64, n)
	hess := make([]float64, n)
	weight := make([]float64, n)
	for i := range weight {
		weight[i] = 1
	}

	rnd := rand.New(rand.NewSource(p.Seed))
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	b := &builder{
		bins:     bins,
		X:        xb,
		grad:     grad,
		hess:     hess,
		weight:   weight,
		maxDepth: p.MaxDepth,
		minLeaf:  float64(minLeaf),
		lambda:   p.L2,
		sign:     -1,
	}

	for t := 0; t < p.Trees; t++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "boosting stopped at tree %d", t)
		}

		for i := 0; i < n; i++ {
			pr := sigmoid(raw[i])
			grad[i] = pr - float64(y[i])
			hess[i] = pr * (1 - pr)
		}

		rows := all
		if p.Subsample > 0 && p.Subsample < 1 {
			rows = make([]int, 0, int(float64(n)*p.Subsample)+1)
			for i := 0; i < n; i++ {
				if rnd.Float64() < p.Subsample {
					rows = append(rows, i)
				}
			}
			if len(rows) == 0 {
				rows = all
			}
		}

		tree := b.build(rows)
		for i := 0; i < n; i++ {
			raw[i] += p.LearningRate * tree.Output(X[i])
		}
		m.Trees = append(m.Trees, tree)
	}
	return m, nil
}
