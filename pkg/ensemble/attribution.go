package ensemble

import (
	"math"

	"github.com/pkg/errors"
)

// Contributions decomposes the probability for x into a base value plus
// one signed contribution per feature, such that
// base + sum(phi) == Predict(x) up to floating point rounding.
//
// Each tree is walked from root to leaf and the change in node value at
// every split is credited to the split feature. For forests this is exact
// in probability space. For boosted models it is exact in log-odds space
// and the log-odds contributions are rescaled by the ratio of the
// probability change to the log-odds change, which keeps additivity.
func (m *Model) Contributions(x []float64) (base float64, phi []float64, err error) {
	if len(x) != m.Width {
		return 0, nil, errors.Errorf("input has %d features, model expects %d", len(x), m.Width)
	}
	phi = make([]float64, m.Width)

	switch m.Kind {
	case KindBoosted:
		rawBase := m.Init
		for i := range m.Trees {
			rawBase += m.LearningRate * m.Trees[i].Nodes[0].Value
			m.Trees[i].walk(x, m.LearningRate, phi)
		}
		rawOut := rawBase
		for _, v := range phi {
			rawOut += v
		}

		base = sigmoid(rawBase)
		// when the contributions cancel, the secant slope becomes the
		// sigmoid derivative at the base
		scale := base * (1 - base)
		if delta := rawOut - rawBase; delta != 0 {
			scale = (sigmoid(rawOut) - base) / delta
		}
		for j := range phi {
			phi[j] *= scale
		}
		return base, phi, nil

	case KindForest:
		if len(m.Trees) == 0 {
			return m.Init, phi, nil
		}
		w := 1 / float64(len(m.Trees))
		for i := range m.Trees {
			base += w * m.Trees[i].Nodes[0].Value
			m.Trees[i].walk(x, w, phi)
		}
		return base, phi, nil
	}
	return 0, nil, errors.Errorf("unknown ensemble kind: %q", m.Kind)
}

// walk adds scale * (child value - parent value) to the split feature for
// every edge on the path of x.
func (t *Tree) walk(x []float64, scale float64, phi []float64) {
	i := 0
	for !t.Nodes[i].IsLeaf() {
		n := &t.Nodes[i]
		next := n.Right
		if n.goesLeft(x[n.Feature]) {
			next = n.Left
		}
		phi[n.Feature] += scale * (t.Nodes[next].Value - n.Value)
		i = next
	}
}

// Importance returns the mean absolute contribution of each feature over
// the given rows.
func (m *Model) Importance(X [][]float64) ([]float64, error) {
	out := make([]float64, m.Width)
	if len(X) == 0 {
		return out, nil
	}
	for _, x := range X {
		_, phi, err := m.Contributions(x)
		if err != nil {
			return nil, err
		}
		for j, v := range phi {
			out[j] += math.Abs(v)
		}
	}
	for j := range out {
		out[j] /= float64(len(X))
	}
	return out, nil
}
