// Package tune searches a hyperparameter grid for one model variant with
// stratified cross-validation on the training partition.
package tune

import (
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/pkg/errors"
)

// Param is one grid axis. Values are tried in the declared order.
type Param struct {
	Name   string    `json:"name" yaml:"name" validate:"required"`
	Values []float64 `json:"values" yaml:"values" validate:"required,min=1"`
}

// Grid is an ordered list of axes. Points are enumerated as the cartesian
// product with the last axis varying fastest, and that order breaks ties.
type Grid []Param

// DefaultGrid is the search space used when none is configured.
func DefaultGrid() Grid {
	return Grid{
		{Name: model.ParamIterations, Values: []float64{100, 300}},
		{Name: model.ParamDepth, Values: []float64{4, 6}},
		{Name: model.ParamLearningRate, Values: []float64{0.05, 0.3}},
		{Name: model.ParamL2, Values: []float64{1, 3}},
	}
}

// Validate checks the grid has at least one axis, no repeated names and
// only known hyperparameters.
func (g Grid) Validate() error {
	if len(g) == 0 {
		return errors.New("empty grid")
	}
	seen := make(map[string]bool, len(g))
	for _, p := range g {
		if seen[p.Name] {
			return errors.Errorf("grid axis %q declared twice", p.Name)
		}
		seen[p.Name] = true
		if len(p.Values) == 0 {
			return errors.Errorf("grid axis %q has no values", p.Name)
		}
		for _, v := range p.Values {
			if err := (model.Hyperparams{p.Name: v}).Validate(); err != nil {
				return errors.Wrapf(err, "grid axis %q", p.Name)
			}
		}
	}
	return nil
}

// Size returns the number of grid points.
func (g Grid) Size() int {
	if len(g) == 0 {
		return 0
	}
	n := 1
	for _, p := range g {
		n *= len(p.Values)
	}
	return n
}

// Points enumerates the grid in its documented order.
func (g Grid) Points() []model.Hyperparams {
	n := g.Size()
	out := make([]model.Hyperparams, 0, n)
	idx := make([]int, len(g))
	for k := 0; k < n; k++ {
		hp := make(model.Hyperparams, len(g))
		for a, p := range g {
			hp[p.Name] = p.Values[idx[a]]
		}
		out = append(out, hp)

		for a := len(g) - 1; a >= 0; a-- {
			idx[a]++
			if idx[a] < len(g[a].Values) {
				break
			}
			idx[a] = 0
		}
	}
	return out
}
