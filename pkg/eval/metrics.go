// Package eval scores binary churn predictions and compares model variants
// over one shared train/test split.
package eval

import (
	"github.com/pkg/errors"
)

// DefaultThreshold turns a probability into a churn prediction.
const DefaultThreshold = 0.5

// Metric names accepted by Metrics.Get.
const (
	MetricAccuracy  = "accuracy"
	MetricPrecision = "precision"
	MetricRecall    = "recall"
	MetricF1        = "f1"
)

// ErrUnknownMetric is returned for an unsupported metric name.
var ErrUnknownMetric = errors.New("unknown metric")

// Metrics summarizes predictions against true labels. Churn is the
// positive class.
type Metrics struct {
	Accuracy  float64 `json:"accuracy" yaml:"accuracy"`
	Precision float64 `json:"precision" yaml:"precision"`
	Recall    float64 `json:"recall" yaml:"recall"`
	F1        float64 `json:"f1" yaml:"f1"`

	TP int `json:"tp" yaml:"tp"`
	FP int `json:"fp" yaml:"fp"`
	TN int `json:"tn" yaml:"tn"`
	FN int `json:"fn" yaml:"fn"`
}

// MetricNames returns the supported metric names.
func MetricNames() []string {
	return []string{MetricAccuracy, MetricPrecision, MetricRecall, MetricF1}
}

// CheckMetric validates a metric name.
func CheckMetric(name string) error {
	for _, m := range MetricNames() {
		if m == name {
			return nil
		}
	}
	return errors.Wrapf(ErrUnknownMetric, "%q", name)
}

// Get returns the named metric.
func (m Metrics) Get(name string) (float64, error) {
	switch name {
	case MetricAccuracy:
		return m.Accuracy, nil
	case MetricPrecision:
		return m.Precision, nil
	case MetricRecall:
		return m.Recall, nil
	case MetricF1:
		return m.F1, nil
	}
	return 0, errors.Wrapf(ErrUnknownMetric, "%q", name)
}

// Score thresholds probabilities and computes metrics against y.
func Score(y []int, probs []float64, threshold float64) (Metrics, error) {
	if len(y) != len(probs) {
		return Metrics{}, errors.Errorf("labels and predictions length mismatch: %d != %d", len(y), len(probs))
	}
	pred := make([]int, len(probs))
	for i, p := range probs {
		if p > threshold {
			pred[i] = 1
		}
	}
	return Compute(y, pred)
}

// Compute returns metrics for hard predictions. Precision, recall and F1
// are 0 when their denominators are 0.
func Compute(y, pred []int) (Metrics, error) {
	if len(y) == 0 {
		return Metrics{}, errors.New("no labels to score")
	}
	if len(y) != len(pred) {
		return Metrics{}, errors.Errorf("labels and predictions length mismatch: %d != %d", len(y), len(pred))
	}

	var m Metrics
	for i := range y {
		switch {
		case y[i] == 1 && pred[i] == 1:
			m.TP++
		case y[i] == 0 && pred[i] == 1:
			m.FP++
		case y[i] == 0 && pred[i] == 0:
			m.TN++
		case y[i] == 1 && pred[i] == 0:
			m.FN++
		default:
			return Metrics{}, errors.Errorf("non binary value at row %d: label %d, prediction %d", i, y[i], pred[i])
		}
	}

	m.Accuracy = float64(m.TP+m.TN) / float64(len(y))
	if m.TP+m.FP > 0 {
		m.Precision = float64(m.TP) / float64(m.TP+m.FP)
	}
	if m.TP+m.FN > 0 {
		m.Recall = float64(m.TP) / float64(m.TP+m.FN)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m, nil
}
