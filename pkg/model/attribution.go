package model

import (
	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/pkg/errors"
)

// Attribution is a per-instance additive decomposition of a prediction.
// Values are aligned with the contract schema.
type Attribution struct {
	Base        float64   `json:"base_value" yaml:"baseValue"`
	Values      []float64 `json:"values" yaml:"values"`
	Probability float64   `json:"probability" yaml:"probability"`
}

// Attributor computes an additive attribution for one prediction.
type Attributor interface {
	Attribute(m *TrainedModel, fv contract.FeatureVector) (*Attribution, error)
}

// PathAttributor credits every split on the prediction path to its
// feature. It is exact: Base plus the sum of Values equals Probability.
type PathAttributor struct{}

// Attribute implements Attributor.
func (PathAttributor) Attribute(m *TrainedModel, fv contract.FeatureVector) (*Attribution, error) {
	if m == nil {
		return nil, errors.New("nil model")
	}
	base, phi, p, err := m.contributions(fv)
	if err != nil {
		return nil, err
	}
	return &Attribution{Base: base, Values: phi, Probability: p}, nil
}
