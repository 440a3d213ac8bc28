package contract

import (
	"math"
	"strconv"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/pkg/errors"
)

// Imputation records a value the contract produced for a missing field.
type Imputation struct {
	Column string  `json:"column" yaml:"column"`
	Policy Policy  `json:"policy" yaml:"policy"`
	Value  float64 `json:"value" yaml:"value"`
}

// FeatureVector is the model-ready form of one record. The identifier and
// label are never part of it.
type FeatureVector struct {
	// Version is the contract version that produced the vector.
	Version string `json:"version" yaml:"version"`
	// Values holds numeric columns and, under label encoding, category
	// codes. Categorical positions are NaN under native encoding.
	Values []float64 `json:"values" yaml:"values"`
	// Levels holds raw categorical values under native encoding.
	Levels []string `json:"levels,omitempty" yaml:"levels,omitempty"`
	// Imputations lists every value filled in by an imputation policy.
	Imputations []Imputation `json:"imputations,omitempty" yaml:"imputations,omitempty"`
}

// EncodeTraining encodes a record with the training imputation policy.
func (c *Contract) EncodeTraining(r *dataset.Record) (FeatureVector, error) {
	var fv FeatureVector
	err := c.EncodeInto(r, c.state.TrainingPolicy, &fv)
	return fv, err
}

// EncodeInference encodes a record with the serving imputation policy.
func (c *Contract) EncodeInference(r *dataset.Record) (FeatureVector, error) {
	var fv FeatureVector
	err := c.EncodeInto(r, c.state.ServingPolicy, &fv)
	return fv, err
}

// EncodeAll encodes records with the given policy.
func (c *Contract) EncodeAll(records []*dataset.Record, p Policy) ([]FeatureVector, error) {
	out := make([]FeatureVector, len(records))
	for i, r := range records {
		if err := c.EncodeInto(r, p, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeInto encodes a record into fv, reusing its buffers.
func (c *Contract) EncodeInto(r *dataset.Record, p Policy, fv *FeatureVector) error {
	if fv == nil {
		return errors.New("nil feature vector buffer")
	}
	if err := r.CheckFields(); err != nil {
		return err
	}

	n := len(schema)
	if cap(fv.Values) < n {
		fv.Values = make([]float64, n)
	}
	fv.Values = fv.Values[:n]
	if c.state.Encoding == EncodingNative {
		if cap(fv.Levels) < n {
			fv.Levels = make([]string, n)
		}
		fv.Levels = fv.Levels[:n]
	} else {
		fv.Levels = nil
	}
	fv.Imputations = fv.Imputations[:0]
	fv.Version = c.version

	for i, col := range schema {
		raw := r.Get(col.Name)
		if col.Kind == Numeric {
			if fv.Levels != nil {
				fv.Levels[i] = ""
			}
			v, imp, err := c.numeric(r.ID, col.Name, raw, p)
			if err != nil {
				return err
			}
			if imp != nil {
				fv.Imputations = append(fv.Imputations, *imp)
			}
			fv.Values[i] = v
			continue
		}

		if c.state.Encoding == EncodingNative {
			fv.Levels[i] = raw
			fv.Values[i] = math.NaN()
			continue
		}
		code, ok := c.codes[col.Name][raw]
		if !ok {
			return errors.Wrapf(ErrUnknownCategory, "record %s: %s=%q", r.ID, col.Name, raw)
		}
		fv.Values[i] = float64(code)
	}
	if len(fv.Imputations) == 0 {
		fv.Imputations = nil
	}
	return nil
}

func (c *Contract) numeric(id, col, raw string, p Policy) (float64, *Imputation, error) {
	v, ok := parseNumber(raw)
	if !ok && col == dataset.ColTotalCharges {
		fill := 0.0
		if p == PolicyMedian {
			fill = c.state.Median
		}
		return fill, &Imputation{Column: col, Policy: p, Value: fill}, nil
	}
	if !ok {
		return 0, nil, errors.Wrapf(ErrInvalidNumericField, "record %s: %s=%q", id, col, raw)
	}
	if v < 0 {
		return 0, nil, errors.Wrapf(ErrInvalidNumericField, "record %s: %s=%q is negative", id, col, raw)
	}
	if col == dataset.ColTenure && v != math.Trunc(v) {
		return 0, nil, errors.Wrapf(ErrInvalidNumericField, "record %s: %s=%q is not whole months", id, col, raw)
	}
	return v, nil, nil
}

// Display returns human readable values for each feature position. Numeric
// columns show the value actually fed to the model, imputed or not.
func (c *Contract) Display(r *dataset.Record, fv FeatureVector) []string {
	out := make([]string, len(schema))
	for i, col := range schema {
		if col.Kind == Numeric && i < len(fv.Values) {
			out[i] = strconv.FormatFloat(fv.Values[i], 'f', -1, 64)
			continue
		}
		out[i] = r.Get(col.Name)
	}
	return out
}
