// Package ensemble provides the tree-ensemble learners used behind the model
// adapters: logistic gradient boosting and a bagged random forest, both
// with native categorical splits, plus additive path attribution.
package ensemble

import (
	"math"

	"github.com/pkg/errors"
)

// Kind names the ensemble family.
type Kind string

const (
	KindBoosted Kind = "boosted"
	KindForest  Kind = "forest"
)

// Params are the learner hyperparameters. Zero values take defaults.
type Params struct {
	Trees        int
	MaxDepth     int
	LearningRate float64
	L2           float64
	MinLeaf      int
	Subsample    float64
	MaxFeatures  int
	MaxBins      int
	Seed         int64
}

// Model is a fitted ensemble. It is read-only after fitting and safe for
// concurrent prediction.
type Model struct {
	Kind         Kind
	Width        int
	Categorical  []bool
	Init         float64
	LearningRate float64
	Trees        []Tree
}

var errEmpty = errors.New("empty training data")

func validate(X [][]float64, y []int, categorical []bool) error {
	if len(X) == 0 {
		return errEmpty
	}
	if len(X) != len(y) {
		return errors.Errorf("rows and labels length mismatch: %d != %d", len(X), len(y))
	}
	p := len(categorical)
	if p == 0 {
		return errors.New("no feature columns")
	}
	for i, row := range X {
		if len(row) != p {
			return errors.Errorf("row %d has %d features, expected %d", i, len(row), p)
		}
	}
	for i, l := range y {
		if l != 0 && l != 1 {
			return errors.Errorf("label %d at row %d is not binary", l, i)
		}
	}
	return nil
}

// Raw returns the model output before the link function: log-odds for
// boosted models, probability for forests.
func (m *Model) Raw(x []float64) float64 {
	switch m.Kind {
	case KindBoosted:
		f := m.Init
		for i := range m.Trees {
			f += m.LearningRate * m.Trees[i].Output(x)
		}
		return f
	default:
		if len(m.Trees) == 0 {
			return m.Init
		}
		s := 0.0
		for i := range m.Trees {
			s += m.Trees[i].Output(x)
		}
		return s / float64(len(m.Trees))
	}
}

// Predict returns the positive class probability for x.
func (m *Model) Predict(x []float64) float64 {
	r := m.Raw(x)
	if m.Kind == KindBoosted {
		return sigmoid(r)
	}
	return r
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

func logit(p float64) float64 {
	const eps = 1e-15
	p = math.Min(math.Max(p, eps), 1-eps)
	return math.Log(p / (1 - p))
}
