package split

import (
	"math"
	"testing"

	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labelsWithRate(n, positives int) []int {
	out := make([]int, n)
	// spread positives through the slice so order does not trivially stratify
	step := float64(n) / float64(positives)
	for i := 0; i < positives; i++ {
		out[int(float64(i)*step)] = 1
	}
	return out
}

func TestStratified_TelcoProportions(t *testing.T) {
	// 7043 customers, 1869 churned (26.5%)
	labels := labelsWithRate(7043, 1869)
	idx, err := Stratified(labels, DefaultTestFraction, DefaultSeed)
	require.NoError(t, err)

	all := PositiveRate(labels, append(append([]int{}, idx.Train...), idx.Test...))
	assert.InDelta(t, 0.265, all, 0.001)
	assert.InDelta(t, all, PositiveRate(labels, idx.Test), 0.01)
	assert.InDelta(t, all, PositiveRate(labels, idx.Train), 0.01)
	assert.InDelta(t, 1409, len(idx.Test), 1)
	assert.Equal(t, 7043, len(idx.Train)+len(idx.Test))
}

func TestStratified_Disjoint(t *testing.T) {
	labels := labelsWithRate(500, 120)
	idx, err := Stratified(labels, 0.25, 3)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for _, i := range idx.Train {
		seen[i] = true
	}
	for _, i := range idx.Test {
		assert.False(t, seen[i], "index %d in both partitions", i)
		seen[i] = true
	}
	assert.Len(t, seen, 500)
	assert.IsIncreasing(t, idx.Train)
	assert.IsIncreasing(t, idx.Test)
}

func TestStratified_Idempotent(t *testing.T) {
	labels := labelsWithRate(1000, 265)
	a, err := Stratified(labels, 0.2, 42)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		b, err := Stratified(labels, 0.2, 42)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}

	c, err := Stratified(labels, 0.2, 43)
	require.NoError(t, err)
	assert.NotEqual(t, a.Test, c.Test)
}

func TestStratified_PerStratumCounts(t *testing.T) {
	labels := labelsWithRate(1000, 265)
	idx, err := Stratified(labels, 0.2, 1)
	require.NoError(t, err)

	pos := 0
	for _, i := range idx.Test {
		pos += labels[i]
	}
	assert.Equal(t, int(math.Round(265*0.2)), pos)
	assert.Equal(t, int(math.Round(735*0.2)), len(idx.Test)-pos)
}

func TestStratified_Errors(t *testing.T) {
	_, err := Stratified(nil, 0.2, 1)
	assert.Error(t, err)
	_, err = Stratified([]int{0, 1}, 0, 1)
	assert.Error(t, err)
	_, err = Stratified([]int{0, 1}, 1, 1)
	assert.Error(t, err)
	_, err = Stratified([]int{0, 1}, 0.1, 1)
	assert.Error(t, err)
}

func TestStratifiedKFold(t *testing.T) {
	labels := labelsWithRate(300, 90)
	folds, err := StratifiedKFold(labels, 3, 42)
	require.NoError(t, err)
	require.Len(t, folds, 3)

	covered := make(map[int]int)
	for _, f := range folds {
		assert.Len(t, f.Valid, 100)
		assert.Len(t, f.Train, 200)
		assert.InDelta(t, 0.3, PositiveRate(labels, f.Valid), 0.01)
		for _, i := range f.Valid {
			covered[i]++
		}
		inValid := make(map[int]bool)
		for _, i := range f.Valid {
			inValid[i] = true
		}
		for _, i := range f.Train {
			assert.False(t, inValid[i])
		}
	}
	assert.Len(t, covered, 300)
	for _, c := range covered {
		assert.Equal(t, 1, c)
	}

	again, err := StratifiedKFold(labels, 3, 42)
	require.NoError(t, err)
	assert.Equal(t, folds, again)

	_, err = StratifiedKFold(labels, 1, 42)
	assert.Error(t, err)
	_, err = StratifiedKFold([]int{1}, 2, 42)
	assert.Error(t, err)
}

func TestNew_EncodesPerEncoding(t *testing.T) {
	d, err := dataset.Synthesize(400, 0.265, 5)
	require.NoError(t, err)

	s, err := New(d, DefaultTestFraction, DefaultSeed)
	require.NoError(t, err)
	assert.Len(t, s.TrainRecords, len(s.YTrain))
	assert.Len(t, s.TestRecords, len(s.YTest))

	lbl, err := s.Encoded(contract.EncodingLabel)
	require.NoError(t, err)
	nat, err := s.Encoded(contract.EncodingNative)
	require.NoError(t, err)
	assert.NotEqual(t, lbl.Contract.Version(), nat.Contract.Version())
	assert.Len(t, lbl.XTest, len(s.YTest))

	again, err := s.Encoded(contract.EncodingLabel)
	require.NoError(t, err)
	assert.Same(t, lbl, again)

	s2, err := New(d, DefaultTestFraction, DefaultSeed)
	require.NoError(t, err)
	assert.Equal(t, s.Indices, s2.Indices)
}

func TestWithOptions(t *testing.T) {
	d, err := dataset.Synthesize(400, 0.265, 5)
	require.NoError(t, err)
	s, err := New(d, DefaultTestFraction, DefaultSeed)
	require.NoError(t, err)

	before, err := s.Encoded(contract.EncodingLabel)
	require.NoError(t, err)
	assert.Equal(t, contract.PolicyMedian, before.Contract.TrainingPolicy())

	zero := func(enc contract.Encoding) contract.Options {
		return contract.Options{Encoding: enc, TrainingPolicy: contract.PolicyZero, ServingPolicy: contract.PolicyZero}
	}
	assert.Same(t, s, s.WithOptions(zero))

	after, err := s.Encoded(contract.EncodingLabel)
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, contract.PolicyZero, after.Contract.TrainingPolicy())
	assert.NotEqual(t, before.Contract.Version(), after.Contract.Version())
}
