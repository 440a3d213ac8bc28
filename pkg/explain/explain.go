// Package explain turns an additive attribution of one prediction into a
// ranked, tiered report with a short narrative.
package explain

import (
	"fmt"
	"math"
	"sort"

	"github.com/pkg/errors"
)

var (
	// ErrAttributionInconsistency is returned when base value plus the
	// contributions does not reproduce the predicted probability.
	ErrAttributionInconsistency = errors.New("attribution inconsistency")

	// ErrIncompleteAttribution is returned for a missing or non-finite
	// attribution entry.
	ErrIncompleteAttribution = errors.New("incomplete attribution")

	// ErrEmptyAttribution is returned when there are no contributions.
	ErrEmptyAttribution = errors.New("empty attribution")
)

// Tier is a coarse impact bucket.
type Tier string

const (
	TierLow    Tier = "Low"
	TierMedium Tier = "Medium"
	TierHigh   Tier = "High"
)

const (
	recommendIntervention = "Focus on retention strategies targeting the key risk factors identified above."
	recommendRetention    = "Continue current engagement strategies while monitoring for changes in risk factors."
)

// Config holds the presentation thresholds.
type Config struct {
	// TopN limits each of the increasing and reducing groups.
	TopN int `json:"top_n" yaml:"topN" validate:"min=1"`
	// High and Medium are the absolute contribution tier thresholds.
	High   float64 `json:"high" yaml:"high" validate:"gtfield=Medium"`
	Medium float64 `json:"medium" yaml:"medium" validate:"gt=0"`
	// RiskThreshold gates the recommendation branch.
	RiskThreshold float64 `json:"risk_threshold" yaml:"riskThreshold" validate:"gt=0,lt=1"`
	// Tolerance is the relative additivity tolerance.
	Tolerance float64 `json:"tolerance" yaml:"tolerance" validate:"gt=0"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		TopN:          5,
		High:          0.10,
		Medium:        0.05,
		RiskThreshold: 0.5,
		Tolerance:     1e-6,
	}
}

// Input is one prediction to explain. Features, Values and Contributions
// are aligned by position.
type Input struct {
	Features      []string
	Values        []string
	Contributions []float64
	Base          float64
	Probability   float64
}

// RankedFactor is one feature's part in a prediction.
type RankedFactor struct {
	Feature      string  `json:"feature" yaml:"feature"`
	Value        string  `json:"value" yaml:"value"`
	Contribution float64 `json:"contribution" yaml:"contribution"`
	Magnitude    float64 `json:"magnitude" yaml:"magnitude"`
	Tier         Tier    `json:"tier" yaml:"tier"`
}

// Explanation is the report for one prediction.
type Explanation struct {
	Base           float64        `json:"base_value" yaml:"baseValue"`
	Probability    float64        `json:"probability" yaml:"probability"`
	HighRisk       bool           `json:"high_risk" yaml:"highRisk"`
	Factors        []RankedFactor `json:"factors" yaml:"factors"`
	Increasing     []RankedFactor `json:"increasing" yaml:"increasing"`
	Reducing       []RankedFactor `json:"reducing" yaml:"reducing"`
	Narrative      string         `json:"narrative" yaml:"narrative"`
	Recommendation string         `json:"recommendation" yaml:"recommendation"`
}

// Engine builds explanations. It holds no mutable state.
type Engine struct {
	cfg Config
}

// New returns an engine for cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.TopN <= 0 {
		return nil, errors.Errorf("top n must be positive: %d", cfg.TopN)
	}
	if cfg.Medium <= 0 || cfg.High <= cfg.Medium {
		return nil, errors.Errorf("tier thresholds must satisfy 0 < medium < high: %v, %v", cfg.Medium, cfg.High)
	}
	if cfg.RiskThreshold <= 0 || cfg.RiskThreshold >= 1 {
		return nil, errors.Errorf("risk threshold must be in (0, 1): %v", cfg.RiskThreshold)
	}
	if cfg.Tolerance <= 0 {
		return nil, errors.Errorf("tolerance must be positive: %v", cfg.Tolerance)
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Tier buckets an absolute contribution.
func (e *Engine) Tier(magnitude float64) Tier {
	switch {
	case magnitude > e.cfg.High:
		return TierHigh
	case magnitude > e.cfg.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

// Explain validates the attribution and builds the report.
func (e *Engine) Explain(in Input) (*Explanation, error) {
	if err := e.Check(in); err != nil {
		return nil, err
	}

	factors := make([]RankedFactor, len(in.Contributions))
	for i, c := range in.Contributions {
		m := math.Abs(c)
		factors[i] = RankedFactor{
			Feature:      in.Features[i],
			Value:        in.Values[i],
			Contribution: c,
			Magnitude:    m,
			Tier:         e.Tier(m),
		}
	}
	sort.SliceStable(factors, func(a, b int) bool {
		if factors[a].Magnitude != factors[b].Magnitude {
			return factors[a].Magnitude > factors[b].Magnitude
		}
		return factors[a].Feature < factors[b].Feature
	})

	out := &Explanation{
		Base:        in.Base,
		Probability: in.Probability,
		HighRisk:    in.Probability > e.cfg.RiskThreshold,
		Factors:     factors,
		Increasing:  []RankedFactor{},
		Reducing:    []RankedFactor{},
	}
	for _, f := range factors {
		switch {
		case f.Contribution > 0 && len(out.Increasing) < e.cfg.TopN:
			out.Increasing = append(out.Increasing, f)
		case f.Contribution < 0 && len(out.Reducing) < e.cfg.TopN:
			out.Reducing = append(out.Reducing, f)
		}
	}

	out.Narrative = fmt.Sprintf("Starting from a baseline probability of %s, this customer's specific characteristics result in a final churn prediction of %s.",
		percent(in.Base), percent(in.Probability))
	out.Recommendation = recommendRetention
	if out.HighRisk {
		out.Recommendation = recommendIntervention
	}
	return out, nil
}

// Check runs the completeness and additivity gates without building a
// report.
func (e *Engine) Check(in Input) error {
	n := len(in.Contributions)
	if n == 0 {
		return ErrEmptyAttribution
	}
	if len(in.Features) != n || len(in.Values) != n {
		return errors.Wrapf(ErrIncompleteAttribution, "%d contributions for %d features and %d values", n, len(in.Features), len(in.Values))
	}
	if !finite(in.Base) {
		return errors.Wrap(ErrIncompleteAttribution, "base value is not finite")
	}
	if !finite(in.Probability) {
		return errors.Wrap(ErrIncompleteAttribution, "probability is not finite")
	}

	sum := in.Base
	for i, c := range in.Contributions {
		if !finite(c) {
			return errors.Wrapf(ErrIncompleteAttribution, "contribution for %s is %v", in.Features[i], c)
		}
		sum += c
	}

	diff := math.Abs(sum - in.Probability)
	if diff > e.cfg.Tolerance*math.Max(1, math.Abs(in.Probability)) {
		return errors.Wrapf(ErrAttributionInconsistency, "base %.9f + contributions = %.9f, probability %.9f", in.Base, sum, in.Probability)
	}
	return nil
}

func percent(p float64) string {
	return fmt.Sprintf("%.1f%%", p*100)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
