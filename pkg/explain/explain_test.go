package explain

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultConfig())
	require.NoError(t, err)
	return e
}

func input(base float64, contribs ...float64) Input {
	in := Input{Base: base, Contributions: contribs, Probability: base}
	for i, c := range contribs {
		in.Features = append(in.Features, string(rune('a'+i)))
		in.Values = append(in.Values, "v")
		in.Probability += c
	}
	return in
}

func TestExplain_RankAndPartition(t *testing.T) {
	e := engine(t)
	in := Input{
		Features:      []string{"tenure", "Contract", "MonthlyCharges", "gender", "TechSupport", "PaymentMethod"},
		Values:        []string{"1", "Month-to-month", "99.5", "Male", "No", "Electronic check"},
		Contributions: []float64{0.12, 0.12, 0.06, 0.0, -0.04, -0.2},
		Base:          0.265,
	}
	in.Probability = in.Base + 0.12 + 0.12 + 0.06 - 0.04 - 0.2

	ex, err := e.Explain(in)
	require.NoError(t, err)

	names := make([]string, len(ex.Factors))
	for i, f := range ex.Factors {
		names[i] = f.Feature
	}
	assert.Equal(t, []string{"PaymentMethod", "Contract", "tenure", "MonthlyCharges", "TechSupport", "gender"}, names)

	assert.Equal(t, TierHigh, ex.Factors[0].Tier)
	assert.Equal(t, 0.2, ex.Factors[0].Magnitude)
	assert.Equal(t, TierMedium, ex.Factors[3].Tier)
	assert.Equal(t, TierLow, ex.Factors[4].Tier)

	require.Len(t, ex.Increasing, 3)
	assert.Equal(t, "Contract", ex.Increasing[0].Feature)
	assert.Equal(t, "Month-to-month", ex.Increasing[0].Value)
	require.Len(t, ex.Reducing, 2)
	assert.Equal(t, "PaymentMethod", ex.Reducing[0].Feature)
}

func TestExplain_Deterministic(t *testing.T) {
	e := engine(t)
	in := input(0.3, 0.05, -0.05, 0.05, -0.05, 0.01)
	a, err := e.Explain(in)
	require.NoError(t, err)
	b, err := e.Explain(in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, "a", a.Factors[0].Feature)
	assert.Equal(t, "b", a.Factors[1].Feature)
}

func TestExplain_TopN(t *testing.T) {
	e := engine(t)
	ex, err := e.Explain(input(0.1, 0.01, 0.02, 0.03, 0.04, 0.05, 0.06, 0.07, -0.01))
	require.NoError(t, err)
	assert.Len(t, ex.Factors, 8)
	require.Len(t, ex.Increasing, 5)
	assert.Equal(t, 0.07, ex.Increasing[0].Contribution)
	assert.Len(t, ex.Reducing, 1)

	cfg := DefaultConfig()
	cfg.TopN = 2
	small, err := New(cfg)
	require.NoError(t, err)
	ex, err = small.Explain(input(0.1, 0.01, 0.02, 0.03))
	require.NoError(t, err)
	assert.Len(t, ex.Increasing, 2)
	assert.Empty(t, ex.Reducing)
	assert.NotNil(t, ex.Reducing)
}

func TestExplain_Narrative(t *testing.T) {
	e := engine(t)

	ex, err := e.Explain(input(0.265, 0.3, 0.1))
	require.NoError(t, err)
	assert.True(t, ex.HighRisk)
	assert.Equal(t, "Starting from a baseline probability of 26.5%, this customer's specific characteristics result in a final churn prediction of 66.5%.", ex.Narrative)
	assert.Equal(t, recommendIntervention, ex.Recommendation)

	ex, err = e.Explain(input(0.265, -0.2))
	require.NoError(t, err)
	assert.False(t, ex.HighRisk)
	assert.Equal(t, recommendRetention, ex.Recommendation)

	// exactly at the threshold is not high risk
	ex, err = e.Explain(input(0.25, 0.25))
	require.NoError(t, err)
	assert.False(t, ex.HighRisk)
}

func TestExplain_Errors(t *testing.T) {
	e := engine(t)

	_, err := e.Explain(Input{Base: 0.2, Probability: 0.2})
	assert.True(t, errors.Is(err, ErrEmptyAttribution))

	in := input(0.2, 0.1, math.NaN())
	in.Probability = 0.3
	_, err = e.Explain(in)
	assert.True(t, errors.Is(err, ErrIncompleteAttribution))

	in = input(0.2, 0.1, 0.1)
	in.Features = in.Features[:1]
	_, err = e.Explain(in)
	assert.True(t, errors.Is(err, ErrIncompleteAttribution))

	in = input(math.Inf(1), 0.1)
	_, err = e.Explain(in)
	assert.True(t, errors.Is(err, ErrIncompleteAttribution))

	in = input(0.2, 0.1)
	in.Probability = 0.31
	_, err = e.Explain(in)
	assert.True(t, errors.Is(err, ErrAttributionInconsistency))

	in = input(0.2, 0.1)
	in.Probability += 5e-7
	assert.NoError(t, e.Check(in))
}

func TestNew_InvalidConfig(t *testing.T) {
	mutate := []func(*Config){
		func(c *Config) { c.TopN = 0 },
		func(c *Config) { c.Medium = 0 },
		func(c *Config) { c.High = c.Medium },
		func(c *Config) { c.RiskThreshold = 1 },
		func(c *Config) { c.Tolerance = 0 },
	}
	for _, m := range mutate {
		cfg := DefaultConfig()
		m(&cfg)
		_, err := New(cfg)
		assert.Error(t, err)
	}
}

func TestTier(t *testing.T) {
	e := engine(t)
	assert.Equal(t, TierLow, e.Tier(0.05))
	assert.Equal(t, TierMedium, e.Tier(0.0500001))
	assert.Equal(t, TierMedium, e.Tier(0.1))
	assert.Equal(t, TierHigh, e.Tier(0.1000001))
}
