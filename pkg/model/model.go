// Package model wraps the tree-ensemble learners behind one adapter
// interface and binds every trained model to the feature contract that
// produced its training data.
package model

import (
	"time"

	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/mchmarny/churnctl/pkg/ensemble"
	"github.com/pkg/errors"
)

var (
	// ErrSchemaVersionMismatch is returned when a feature vector was encoded
	// by a different contract than the one the model was trained with.
	ErrSchemaVersionMismatch = errors.New("schema version mismatch")

	// ErrTrainingTimeout is returned when a fit exceeds its wall-clock limit.
	// The partial model is discarded.
	ErrTrainingTimeout = errors.New("training timeout")

	// ErrTrainingInProgress is returned when another training job holds the
	// trainer.
	ErrTrainingInProgress = errors.New("training in progress")

	// ErrIncompatibleArtifact is returned when a persisted artifact cannot
	// be read without a migration.
	ErrIncompatibleArtifact = errors.New("incompatible model artifact")
)

// TrainedModel is an immutable fitted model. All methods are safe for
// concurrent use.
type TrainedModel struct {
	variant   string
	params    Hyperparams
	contract  *contract.Contract
	levels    [][]string
	codes     []map[string]int
	ens       *ensemble.Model
	trainTime time.Duration
}

func newTrainedModel(variant string, hp Hyperparams, c *contract.Contract, levels [][]string, m *ensemble.Model, d time.Duration) *TrainedModel {
	tm := &TrainedModel{
		variant:   variant,
		params:    hp.Merge(nil),
		contract:  c,
		levels:    levels,
		ens:       m,
		trainTime: d,
	}
	tm.codes = make([]map[string]int, len(levels))
	for i, ls := range levels {
		if len(ls) == 0 {
			continue
		}
		tm.codes[i] = make(map[string]int, len(ls))
		for code, l := range ls {
			tm.codes[i][l] = code
		}
	}
	return tm
}

// Variant returns the adapter name that trained the model.
func (m *TrainedModel) Variant() string { return m.variant }

// Params returns a copy of the hyperparameters used for training.
func (m *TrainedModel) Params() Hyperparams { return m.params.Merge(nil) }

// Contract returns the feature contract the model is bound to.
func (m *TrainedModel) Contract() *contract.Contract { return m.contract }

// Version returns the bound contract version.
func (m *TrainedModel) Version() string { return m.contract.Version() }

// TrainTime is the measured wall-clock fit duration.
func (m *TrainedModel) TrainTime() time.Duration { return m.trainTime }

// PredictProba returns the churn probability for one feature vector.
func (m *TrainedModel) PredictProba(fv contract.FeatureVector) (float64, error) {
	x, err := m.row(fv)
	if err != nil {
		return 0, err
	}
	return m.ens.Predict(x), nil
}

// PredictBatch returns one probability per feature vector.
func (m *TrainedModel) PredictBatch(fvs []contract.FeatureVector) ([]float64, error) {
	out := make([]float64, len(fvs))
	for i := range fvs {
		p, err := m.PredictProba(fvs[i])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
		out[i] = p
	}
	return out, nil
}

// Importance returns the mean absolute contribution of each feature over
// the given vectors, in schema order.
func (m *TrainedModel) Importance(fvs []contract.FeatureVector) ([]float64, error) {
	X, err := m.rows(fvs)
	if err != nil {
		return nil, err
	}
	return m.ens.Importance(X)
}

func (m *TrainedModel) contributions(fv contract.FeatureVector) (base float64, phi []float64, p float64, err error) {
	x, err := m.row(fv)
	if err != nil {
		return 0, nil, 0, err
	}
	base, phi, err = m.ens.Contributions(x)
	if err != nil {
		return 0, nil, 0, err
	}
	return base, phi, m.ens.Predict(x), nil
}

func (m *TrainedModel) rows(fvs []contract.FeatureVector) ([][]float64, error) {
	X := make([][]float64, len(fvs))
	for i := range fvs {
		x, err := m.row(fvs[i])
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
		X[i] = x
	}
	return X, nil
}

// row maps a feature vector to the learner input. Native levels become the
// model's own codes; a level unseen at fit time becomes -1, which every
// categorical split routes to its right branch.
func (m *TrainedModel) row(fv contract.FeatureVector) ([]float64, error) {
	if fv.Version != m.contract.Version() {
		return nil, errors.Wrapf(ErrSchemaVersionMismatch, "vector %q, model %q", fv.Version, m.contract.Version())
	}
	if len(fv.Values) != m.ens.Width {
		return nil, errors.Wrapf(ErrSchemaVersionMismatch, "vector has %d values, model expects %d", len(fv.Values), m.ens.Width)
	}
	x := make([]float64, len(fv.Values))
	copy(x, fv.Values)
	if m.contract.Encoding() != contract.EncodingNative {
		return x, nil
	}
	if len(fv.Levels) != len(fv.Values) {
		return nil, errors.Wrap(ErrSchemaVersionMismatch, "native vector without levels")
	}
	for _, pos := range contract.CategoricalPositions() {
		code, ok := m.codes[pos][fv.Levels[pos]]
		if !ok {
			x[pos] = -1
			continue
		}
		x[pos] = float64(code)
	}
	return x, nil
}
