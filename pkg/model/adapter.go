package model

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/mchmarny/churnctl/pkg/ensemble"
	"github.com/pkg/errors"
)

// Variant names.
const (
	VariantGBT    = "gbt"
	VariantForest = "forest"
	VariantCatGBT = "catgbt"

	// DefaultVariant is the production model.
	DefaultVariant = VariantCatGBT
)

// ErrUnknownVariant is returned by Lookup for an unregistered name.
var ErrUnknownVariant = errors.New("unknown model variant")

// Adapter fits one tree-ensemble family over encoded training data.
type Adapter interface {
	// Name identifies the variant in reports and the registry.
	Name() string
	// Encoding is the categorical encoding the variant consumes.
	Encoding() contract.Encoding
	// Defaults are the hyperparameters used when none are overridden.
	Defaults() Hyperparams
	// Fit trains a model on X and y, measuring the fit duration. X must be
	// encoded by c.
	Fit(ctx context.Context, c *contract.Contract, X []contract.FeatureVector, y []int, hp Hyperparams) (*TrainedModel, error)
}

// Variant is a registered Adapter backed by the ensemble package.
type Variant struct {
	name     string
	encoding contract.Encoding
	kind     ensemble.Kind
	defaults Hyperparams
}

var variants = []*Variant{
	{
		name:     VariantGBT,
		encoding: contract.EncodingLabel,
		kind:     ensemble.KindBoosted,
		defaults: Hyperparams{
			ParamIterations:   100,
			ParamDepth:        6,
			ParamLearningRate: 0.3,
			ParamL2:           1,
			ParamSeed:         42,
		},
	},
	{
		name:     VariantForest,
		encoding: contract.EncodingLabel,
		kind:     ensemble.KindForest,
		defaults: Hyperparams{
			ParamIterations: 100,
			ParamDepth:      10,
			ParamMinLeaf:    2,
			ParamSeed:       42,
		},
	},
	{
		name:     VariantCatGBT,
		encoding: contract.EncodingNative,
		kind:     ensemble.KindBoosted,
		defaults: Hyperparams{
			ParamIterations:   100,
			ParamDepth:        4,
			ParamLearningRate: 0.2,
			ParamL2:           1,
			ParamSeed:         42,
		},
	},
}

// Variants returns the registered adapters in registration order.
func Variants() []Adapter {
	out := make([]Adapter, len(variants))
	for i, v := range variants {
		out[i] = v
	}
	return out
}

// VariantNames returns the registered names in registration order.
func VariantNames() []string {
	out := make([]string, len(variants))
	for i, v := range variants {
		out[i] = v.name
	}
	return out
}

// Lookup returns the adapter registered under name.
func Lookup(name string) (Adapter, error) {
	for _, v := range variants {
		if v.name == name {
			return v, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownVariant, "%q", name)
}

// Name implements Adapter.
func (v *Variant) Name() string { return v.name }

// Encoding implements Adapter.
func (v *Variant) Encoding() contract.Encoding { return v.encoding }

// Defaults implements Adapter.
func (v *Variant) Defaults() Hyperparams { return v.defaults.Merge(nil) }

// Fit implements Adapter.
func (v *Variant) Fit(ctx context.Context, c *contract.Contract, X []contract.FeatureVector, y []int, hp Hyperparams) (*TrainedModel, error) {
	if c == nil {
		return nil, errors.New("nil contract")
	}
	if c.Encoding() != v.encoding {
		return nil, errors.Errorf("variant %s needs %s encoding, contract uses %s", v.name, v.encoding, c.Encoding())
	}
	params := v.defaults.Merge(hp)
	p, err := params.ensemble()
	if err != nil {
		return nil, errors.Wrapf(err, "variant %s", v.name)
	}

	start := time.Now()

	tm := newTrainedModel(v.name, params, c, nativeLevels(c, X), &ensemble.Model{Width: contract.Width()}, 0)
	rows, err := tm.rows(X)
	if err != nil {
		return nil, err
	}

	categorical := make([]bool, contract.Width())
	if v.encoding == contract.EncodingNative {
		for _, pos := range contract.CategoricalPositions() {
			categorical[pos] = true
		}
	}

	var m *ensemble.Model
	switch v.kind {
	case ensemble.KindForest:
		m, err = ensemble.FitForest(ctx, rows, y, categorical, p)
	default:
		m, err = ensemble.FitBoosted(ctx, rows, y, categorical, p)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fit %s", v.name)
	}

	tm.ens = m
	tm.trainTime = time.Since(start)
	slog.Debug("model fit",
		"variant", v.name,
		"rows", len(rows),
		"trees", len(m.Trees),
		"duration", tm.trainTime)
	return tm, nil
}

// nativeLevels collects the sorted categorical levels present in X. Label
// encoded contracts already carry codes, so no dictionary is kept.
func nativeLevels(c *contract.Contract, X []contract.FeatureVector) [][]string {
	levels := make([][]string, contract.Width())
	if c.Encoding() != contract.EncodingNative {
		return levels
	}
	for _, pos := range contract.CategoricalPositions() {
		seen := make(map[string]bool)
		for i := range X {
			if pos < len(X[i].Levels) {
				seen[X[i].Levels[pos]] = true
			}
		}
		ls := make([]string, 0, len(seen))
		for l := range seen {
			ls = append(ls, l)
		}
		sort.Strings(ls)
		levels[pos] = ls
	}
	return levels
}
