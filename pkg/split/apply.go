package split

import (
	"log/slog"
	"sync"

	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/pkg/errors"
)

// TrainTestSplit is one reusable partition of a dataset. Every model
// compared in a run reads the same partition; each categorical encoding is
// fit once on the training records and cached.
type TrainTestSplit struct {
	Indices  *Indices
	Fraction float64
	Seed     int64

	TrainRecords []*dataset.Record
	TestRecords  []*dataset.Record
	YTrain       []int
	YTest        []int

	mu      sync.Mutex
	encoded map[contract.Encoding]*Encoded
	opts    func(contract.Encoding) contract.Options
}

// Encoded is the split under one fitted contract.
type Encoded struct {
	Contract *contract.Contract
	XTrain   []contract.FeatureVector
	XTest    []contract.FeatureVector
}

// New splits the dataset with the stratified protocol.
func New(d *dataset.Dataset, fraction float64, seed int64) (*TrainTestSplit, error) {
	if d == nil || d.Len() == 0 {
		return nil, errors.New("empty dataset")
	}
	labels, err := d.Labels()
	if err != nil {
		return nil, err
	}
	idx, err := Stratified(labels, fraction, seed)
	if err != nil {
		return nil, err
	}

	s := &TrainTestSplit{
		Indices:      idx,
		Fraction:     fraction,
		Seed:         seed,
		TrainRecords: d.Subset(idx.Train),
		TestRecords:  d.Subset(idx.Test),
		YTrain:       pick(labels, idx.Train),
		YTest:        pick(labels, idx.Test),
		encoded:      make(map[contract.Encoding]*Encoded),
		opts:         contract.DefaultOptions,
	}
	slog.Debug("dataset split",
		"train", len(s.YTrain),
		"test", len(s.YTest),
		"train_positive_rate", PositiveRate(labels, idx.Train),
		"test_positive_rate", PositiveRate(labels, idx.Test))
	return s, nil
}

// WithOptions overrides how contracts are fit for each encoding.
func (s *TrainTestSplit) WithOptions(fn func(contract.Encoding) contract.Options) *TrainTestSplit {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = fn
	s.encoded = make(map[contract.Encoding]*Encoded)
	return s
}

// Encoded returns the split encoded under enc, fitting the contract on the
// training records only. Both partitions use the training imputation policy.
func (s *TrainTestSplit) Encoded(enc contract.Encoding) (*Encoded, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.encoded[enc]; ok {
		return e, nil
	}

	c, err := contract.Fit(s.TrainRecords, s.opts(enc))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fit %s contract", enc)
	}
	xTrain, err := c.EncodeAll(s.TrainRecords, c.TrainingPolicy())
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode training partition")
	}
	xTest, err := c.EncodeAll(s.TestRecords, c.TrainingPolicy())
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode test partition")
	}

	e := &Encoded{Contract: c, XTrain: xTrain, XTest: xTest}
	s.encoded[enc] = e
	return e, nil
}

func pick(labels []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = labels[j]
	}
	return out
}
