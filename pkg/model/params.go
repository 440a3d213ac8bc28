package model

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mchmarny/churnctl/pkg/ensemble"
	"github.com/pkg/errors"
)

// Hyperparameter names accepted by every variant.
const (
	ParamIterations   = "iterations"
	ParamDepth        = "depth"
	ParamLearningRate = "learning_rate"
	ParamL2           = "l2_leaf_reg"
	ParamMinLeaf      = "min_leaf"
	ParamSubsample    = "subsample"
	ParamMaxFeatures  = "max_features"
	ParamSeed         = "seed"
)

var (
	// ErrUnknownParam is returned for a hyperparameter name no variant knows.
	ErrUnknownParam = errors.New("unknown hyperparameter")

	integral = map[string]bool{
		ParamIterations:  true,
		ParamDepth:       true,
		ParamMinLeaf:     true,
		ParamMaxFeatures: true,
		ParamSeed:        true,
	}

	known = map[string]bool{
		ParamIterations:   true,
		ParamDepth:        true,
		ParamLearningRate: true,
		ParamL2:           true,
		ParamMinLeaf:      true,
		ParamSubsample:    true,
		ParamMaxFeatures:  true,
		ParamSeed:         true,
	}
)

// Hyperparams maps a hyperparameter name to its value.
type Hyperparams map[string]float64

// ParamNames returns every accepted hyperparameter name, sorted.
func ParamNames() []string {
	out := make([]string, 0, len(known))
	for k := range known {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Merge returns a copy of h with the values from over applied on top.
func (h Hyperparams) Merge(over Hyperparams) Hyperparams {
	out := make(Hyperparams, len(h)+len(over))
	for k, v := range h {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Validate checks names and that integer parameters hold whole numbers.
func (h Hyperparams) Validate() error {
	for _, k := range h.keys() {
		v := h[k]
		if !known[k] {
			return errors.Wrapf(ErrUnknownParam, "%q", k)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("hyperparameter %s is not finite", k)
		}
		if integral[k] && v != math.Trunc(v) {
			return errors.Errorf("hyperparameter %s must be a whole number: %v", k, v)
		}
	}
	return nil
}

// String renders the parameters as sorted key=value pairs.
func (h Hyperparams) String() string {
	parts := make([]string, 0, len(h))
	for _, k := range h.keys() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, h[k]))
	}
	return strings.Join(parts, " ")
}

func (h Hyperparams) keys() []string {
	out := make([]string, 0, len(h))
	for k := range h {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (h Hyperparams) ensemble() (ensemble.Params, error) {
	if err := h.Validate(); err != nil {
		return ensemble.Params{}, err
	}
	return ensemble.Params{
		Trees:        int(h[ParamIterations]),
		MaxDepth:     int(h[ParamDepth]),
		LearningRate: h[ParamLearningRate],
		L2:           h[ParamL2],
		MinLeaf:      int(h[ParamMinLeaf]),
		Subsample:    h[ParamSubsample],
		MaxFeatures:  int(h[ParamMaxFeatures]),
		Seed:         int64(h[ParamSeed]),
	}, nil
}
