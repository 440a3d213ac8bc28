package contract

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"math"
	"sort"
	"strconv"

	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/pkg/errors"
)

// Encoding selects how categorical columns reach a model.
type Encoding string

const (
	// EncodingNative passes the raw level through and lists categorical
	// positions; the model decides how to split on them.
	EncodingNative Encoding = "native"
	// EncodingLabel replaces each level with an integer code fit on the
	// training partition.
	EncodingLabel Encoding = "label"
)

// Policy is a missing TotalCharges imputation policy.
type Policy string

const (
	// PolicyZero fills with 0, the serving default for brand-new customers.
	PolicyZero Policy = "zero"
	// PolicyMedian fills with the frozen training-partition median.
	PolicyMedian Policy = "median"
)

const versionHashLen = 12

// Options control Fit.
type Options struct {
	Encoding       Encoding
	TrainingPolicy Policy
	ServingPolicy  Policy
}

// DefaultOptions impute missing TotalCharges with the training median when
// fitting and with zero when serving.
func DefaultOptions(enc Encoding) Options {
	return Options{
		Encoding:       enc,
		TrainingPolicy: PolicyMedian,
		ServingPolicy:  PolicyZero,
	}
}

// State is the frozen, serializable part of a contract.
type State struct {
	Revision       string              `json:"revision" yaml:"revision"`
	Encoding       Encoding            `json:"encoding" yaml:"encoding"`
	TrainingPolicy Policy              `json:"training_policy" yaml:"trainingPolicy"`
	ServingPolicy  Policy              `json:"serving_policy" yaml:"servingPolicy"`
	Median         float64             `json:"median" yaml:"median"`
	Levels         map[string][]string `json:"levels" yaml:"levels"`
}

// Contract converts raw records into feature vectors. It is immutable
// once built and safe for concurrent use.
type Contract struct {
	state   State
	codes   map[string]map[string]int
	version string
}

// Fit learns the median and the category mappings from the training
// partition only.
func Fit(train []*dataset.Record, opts Options) (*Contract, error) {
	if len(train) == 0 {
		return nil, errors.New("no training records to fit contract")
	}
	if err := checkOptions(opts); err != nil {
		return nil, err
	}

	s := State{
		Revision:       SchemaRevision,
		Encoding:       opts.Encoding,
		TrainingPolicy: opts.TrainingPolicy,
		ServingPolicy:  opts.ServingPolicy,
		Levels:         make(map[string][]string),
	}

	var totals []float64
	seen := make(map[string]map[string]bool)
	for _, r := range train {
		if err := r.CheckFields(); err != nil {
			return nil, err
		}
		if v, ok := parseNumber(r.Get(dataset.ColTotalCharges)); ok {
			totals = append(totals, v)
		}
		for _, c := range schema {
			if c.Kind != Categorical {
				continue
			}
			if seen[c.Name] == nil {
				seen[c.Name] = make(map[string]bool)
			}
			seen[c.Name][r.Get(c.Name)] = true
		}
	}
	s.Median = median(totals)

	for name, set := range seen {
		levels := make([]string, 0, len(set))
		for l := range set {
			levels = append(levels, l)
		}
		sort.Strings(levels)
		s.Levels[name] = levels
	}

	c, err := FromState(s)
	if err != nil {
		return nil, err
	}
	slog.Debug("contract fit",
		"version", c.version,
		"encoding", s.Encoding,
		"median", s.Median,
		"records", len(train))
	return c, nil
}

// FromState rebuilds a contract from persisted state.
func FromState(s State) (*Contract, error) {
	if s.Revision != SchemaRevision {
		return nil, errors.Wrapf(ErrSchemaMismatch, "schema revision %q, expected %q", s.Revision, SchemaRevision)
	}
	if err := checkOptions(Options{Encoding: s.Encoding, TrainingPolicy: s.TrainingPolicy, ServingPolicy: s.ServingPolicy}); err != nil {
		return nil, err
	}

	c := &Contract{
		state: s,
		codes: make(map[string]map[string]int),
	}
	for _, col := range schema {
		if col.Kind != Categorical {
			continue
		}
		levels, ok := s.Levels[col.Name]
		if !ok {
			return nil, errors.Wrapf(ErrSchemaMismatch, "no levels for column %s", col.Name)
		}
		m := make(map[string]int, len(levels))
		for i, l := range levels {
			m[l] = i
		}
		c.codes[col.Name] = m
	}
	c.version = fingerprint(s)
	return c, nil
}

func checkOptions(o Options) error {
	switch o.Encoding {
	case EncodingNative, EncodingLabel:
	default:
		return errors.Errorf("unsupported encoding: %q", o.Encoding)
	}
	for _, p := range []Policy{o.TrainingPolicy, o.ServingPolicy} {
		if p != PolicyZero && p != PolicyMedian {
			return errors.Errorf("unsupported imputation policy: %q", p)
		}
	}
	return nil
}

// fingerprint hashes everything that changes encoded values.
func fingerprint(s State) string {
	h := sha256.New()
	h.Write([]byte(s.Revision))
	h.Write([]byte{0})
	h.Write([]byte(s.Encoding))
	h.Write([]byte{0})
	h.Write([]byte(s.TrainingPolicy))
	h.Write([]byte{0})
	h.Write([]byte(s.ServingPolicy))
	h.Write([]byte{0})
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(s.Median))
	h.Write(b[:])
	for _, col := range schema {
		if col.Kind != Categorical {
			continue
		}
		h.Write([]byte(col.Name))
		for _, l := range s.Levels[col.Name] {
			h.Write([]byte{0})
			h.Write([]byte(l))
		}
		h.Write([]byte{1})
	}
	return SchemaRevision + "+" + hex.EncodeToString(h.Sum(nil))[:versionHashLen]
}

// Version identifies the schema revision and fitted state.
func (c *Contract) Version() string { return c.version }

// State returns a copy of the frozen state.
func (c *Contract) State() State {
	s := c.state
	s.Levels = make(map[string][]string, len(c.state.Levels))
	for k, v := range c.state.Levels {
		s.Levels[k] = append([]string(nil), v...)
	}
	return s
}

// Encoding returns the categorical encoding strategy.
func (c *Contract) Encoding() Encoding { return c.state.Encoding }

// Median returns the frozen training-partition TotalCharges median.
func (c *Contract) Median() float64 { return c.state.Median }

// TrainingPolicy returns the policy applied by EncodeTraining.
func (c *Contract) TrainingPolicy() Policy { return c.state.TrainingPolicy }

// ServingPolicy returns the policy applied by EncodeInference.
func (c *Contract) ServingPolicy() Policy { return c.state.ServingPolicy }

// Levels returns the training levels of a categorical column.
func (c *Contract) Levels(col string) []string {
	return append([]string(nil), c.state.Levels[col]...)
}

func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !finite(v) {
		return 0, false
	}
	return v, true
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := append([]float64(nil), vals...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
