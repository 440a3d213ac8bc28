package eval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/mchmarny/churnctl/pkg/split"
	"github.com/pkg/errors"
)

// Candidate is one adapter with hyperparameter overrides.
type Candidate struct {
	Adapter model.Adapter
	Params  model.Hyperparams
}

// ComparisonResult is one row of a comparison run. Numeric fields are only
// meaningful when Error is empty.
type ComparisonResult struct {
	Model        string  `json:"model" yaml:"model"`
	Accuracy     float64 `json:"accuracy" yaml:"accuracy"`
	Precision    float64 `json:"precision" yaml:"precision"`
	Recall       float64 `json:"recall" yaml:"recall"`
	F1           float64 `json:"f1" yaml:"f1"`
	TrainSeconds float64 `json:"train_seconds" yaml:"trainSeconds"`
	Error        string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// Failed reports whether the row is error-marked.
func (r ComparisonResult) Failed() bool {
	return r.Error != ""
}

// Report is the outcome of a comparison run. Results keep candidate order;
// Models[i] is the model behind Results[i], nil for failed rows.
type Report struct {
	Results []ComparisonResult
	Models  []*model.TrainedModel
}

// Best returns the index of the successful row with the highest value of
// metric. The first row wins ties. It returns -1 when every row failed.
func (r *Report) Best(metric string) (int, error) {
	if err := CheckMetric(metric); err != nil {
		return -1, err
	}
	best, bestVal := -1, 0.0
	for i, row := range r.Results {
		if row.Failed() {
			continue
		}
		v, _ := row.metrics().Get(metric)
		if best < 0 || v > bestVal {
			best, bestVal = i, v
		}
	}
	return best, nil
}

// Find returns the model trained for the named variant.
func (r *Report) Find(name string) (*model.TrainedModel, bool) {
	for i, row := range r.Results {
		if row.Model == name && r.Models[i] != nil {
			return r.Models[i], true
		}
	}
	return nil, false
}

func (r ComparisonResult) metrics() Metrics {
	return Metrics{Accuracy: r.Accuracy, Precision: r.Precision, Recall: r.Recall, F1: r.F1}
}

// Harness evaluates candidates over one split.
type Harness struct {
	Split *split.TrainTestSplit
	// Timeout bounds each fit. Zero means no limit.
	Timeout time.Duration
	// Threshold turns probabilities into predictions; zero uses DefaultThreshold.
	Threshold float64
}

// Run fits, times and scores every candidate in order. A candidate that
// fails or panics produces an error-marked row and the run continues.
func (h *Harness) Run(ctx context.Context, candidates []Candidate) (*Report, error) {
	if h.Split == nil {
		return nil, errors.New("harness has no split")
	}
	if len(candidates) == 0 {
		return nil, errors.New("no candidates to evaluate")
	}

	rep := &Report{
		Results: make([]ComparisonResult, len(candidates)),
		Models:  make([]*model.TrainedModel, len(candidates)),
	}
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "comparison run cancelled")
		}
		row, m := h.evaluate(ctx, c)
		rep.Results[i] = row
		rep.Models[i] = m
		if row.Failed() {
			slog.Debug("candidate failed", "model", row.Model, "error", row.Error)
			continue
		}
		slog.Debug("candidate evaluated",
			"model", row.Model,
			"accuracy", row.Accuracy,
			"f1", row.F1,
			"seconds", row.TrainSeconds)
	}
	return rep, nil
}

func (h *Harness) evaluate(ctx context.Context, c Candidate) (row ComparisonResult, m *model.TrainedModel) {
	if c.Adapter == nil {
		return ComparisonResult{Model: "<nil>", Error: "nil adapter"}, nil
	}
	row.Model = c.Adapter.Name()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			row = ComparisonResult{
				Model:        c.Adapter.Name(),
				TrainSeconds: time.Since(start).Seconds(),
				Error:        fmt.Sprintf("panic: %v", r),
			}
			m = nil
		}
	}()

	fail := func(err error) (ComparisonResult, *model.TrainedModel) {
		return ComparisonResult{
			Model:        c.Adapter.Name(),
			TrainSeconds: time.Since(start).Seconds(),
			Error:        err.Error(),
		}, nil
	}

	enc, err := h.Split.Encoded(c.Adapter.Encoding())
	if err != nil {
		return fail(err)
	}
	start = time.Now()
	tm, err := model.Fit(ctx, c.Adapter, h.Timeout, enc.Contract, enc.XTrain, h.Split.YTrain, c.Params)
	if err != nil {
		return fail(err)
	}
	if tm == nil {
		return fail(errors.New("adapter returned no model"))
	}
	probs, err := tm.PredictBatch(enc.XTest)
	if err != nil {
		return fail(err)
	}

	th := h.Threshold
	if th == 0 {
		th = DefaultThreshold
	}
	met, err := Score(h.Split.YTest, probs, th)
	if err != nil {
		return fail(err)
	}

	secs := tm.TrainTime().Seconds()
	if secs == 0 {
		secs = time.Since(start).Seconds()
	}
	return ComparisonResult{
		Model:        c.Adapter.Name(),
		Accuracy:     met.Accuracy,
		Precision:    met.Precision,
		Recall:       met.Recall,
		F1:           met.F1,
		TrainSeconds: secs,
	}, tm
}
