package model

import (
	"bytes"
	"context"
	"encoding/gob"
	"maps"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/split"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastParams = Hyperparams{ParamIterations: 20}

func testSplit(t *testing.T) *split.TrainTestSplit {
	t.Helper()
	d, err := dataset.Synthesize(600, 0.265, 7)
	require.NoError(t, err)
	s, err := split.New(d, split.DefaultTestFraction, split.DefaultSeed)
	require.NoError(t, err)
	return s
}

func fitVariant(t *testing.T, s *split.TrainTestSplit, name string) (*TrainedModel, *split.Encoded) {
	t.Helper()
	a, err := Lookup(name)
	require.NoError(t, err)
	e, err := s.Encoded(a.Encoding())
	require.NoError(t, err)
	m, err := a.Fit(context.Background(), e.Contract, e.XTrain, s.YTrain, fastParams)
	require.NoError(t, err)
	return m, e
}

func TestVariants(t *testing.T) {
	assert.Equal(t, []string{VariantGBT, VariantForest, VariantCatGBT}, VariantNames())
	assert.Len(t, Variants(), 3)

	a, err := Lookup(DefaultVariant)
	require.NoError(t, err)
	assert.Equal(t, contract.EncodingNative, a.Encoding())

	_, err = Lookup("xgboost")
	assert.True(t, errors.Is(err, ErrUnknownVariant))
}

func TestHyperparams(t *testing.T) {
	h := Hyperparams{ParamDepth: 4, ParamLearningRate: 0.1}
	assert.NoError(t, h.Validate())
	assert.Equal(t, "depth=4 learning_rate=0.1", h.String())

	m := h.Merge(Hyperparams{ParamDepth: 6})
	assert.Equal(t, 6.0, m[ParamDepth])
	assert.Equal(t, 4.0, h[ParamDepth])

	err := Hyperparams{"max_leaves": 3}.Validate()
	assert.True(t, errors.Is(err, ErrUnknownParam))

	assert.Error(t, Hyperparams{ParamIterations: 10.5}.Validate())
	assert.Error(t, Hyperparams{ParamLearningRate: math.NaN()}.Validate())
	assert.Contains(t, ParamNames(), ParamL2)
}

func TestFit_AllVariants(t *testing.T) {
	s := testSplit(t)
	for _, name := range VariantNames() {
		t.Run(name, func(t *testing.T) {
			m, e := fitVariant(t, s, name)
			assert.Equal(t, name, m.Variant())
			assert.Equal(t, e.Contract.Version(), m.Version())
			assert.Equal(t, 20.0, m.Params()[ParamIterations])
			assert.Greater(t, m.TrainTime(), time.Duration(0))

			probs, err := m.PredictBatch(e.XTest)
			require.NoError(t, err)
			require.Len(t, probs, len(s.YTest))
			correct := 0
			for i, p := range probs {
				assert.GreaterOrEqual(t, p, 0.0)
				assert.LessOrEqual(t, p, 1.0)
				if (p > 0.5) == (s.YTest[i] == 1) {
					correct++
				}
			}
			assert.Greater(t, float64(correct)/float64(len(probs)), 0.7)
		})
	}
}

func TestFit_EncodingMismatch(t *testing.T) {
	s := testSplit(t)
	e, err := s.Encoded(contract.EncodingNative)
	require.NoError(t, err)
	a, err := Lookup(VariantGBT)
	require.NoError(t, err)
	_, err = a.Fit(context.Background(), e.Contract, e.XTrain, s.YTrain, nil)
	assert.Error(t, err)
}

func TestFit_BadParams(t *testing.T) {
	s := testSplit(t)
	a, err := Lookup(VariantCatGBT)
	require.NoError(t, err)
	e, err := s.Encoded(a.Encoding())
	require.NoError(t, err)

	_, err = a.Fit(context.Background(), e.Contract, e.XTrain, s.YTrain, Hyperparams{"colsample": 1})
	assert.True(t, errors.Is(err, ErrUnknownParam))

	_, err = a.Fit(context.Background(), e.Contract, e.XTrain, s.YTrain, Hyperparams{ParamDepth: 0})
	assert.Error(t, err)
}

func TestPredict_SchemaVersionMismatch(t *testing.T) {
	s := testSplit(t)
	m, _ := fitVariant(t, s, VariantGBT)

	other, err := s.Encoded(contract.EncodingNative)
	require.NoError(t, err)
	_, err = m.PredictProba(other.XTest[0])
	assert.True(t, errors.Is(err, ErrSchemaVersionMismatch))

	_, err = m.PredictBatch(other.XTest[:3])
	assert.True(t, errors.Is(err, ErrSchemaVersionMismatch))
}

func TestPredict_NativeUnseenLevel(t *testing.T) {
	s := testSplit(t)
	m, e := fitVariant(t, s, VariantCatGBT)

	r := *s.TestRecords[0]
	r.Fields = maps.Clone(r.Fields)
	r.Fields[dataset.ColPaymentMethod] = "Crypto wallet"
	fv, err := e.Contract.EncodeInference(&r)
	require.NoError(t, err)

	p, err := m.PredictProba(fv)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(p))
}

func TestPredict_Concurrent(t *testing.T) {
	s := testSplit(t)
	m, e := fitVariant(t, s, VariantCatGBT)

	want, err := m.PredictBatch(e.XTest)
	require.NoError(t, err)

	var wg sync.WaitGroup
	got := make([][]float64, 8)
	for w := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := make([]float64, len(e.XTest))
			for i := range e.XTest {
				out[i], _ = m.PredictProba(e.XTest[i])
			}
			got[w] = out
		}()
	}
	wg.Wait()
	for _, g := range got {
		assert.Equal(t, want, g)
	}
}

func TestPathAttributor_Additive(t *testing.T) {
	s := testSplit(t)
	for _, name := range VariantNames() {
		t.Run(name, func(t *testing.T) {
			m, e := fitVariant(t, s, name)
			var at Attributor = PathAttributor{}
			for _, fv := range e.XTest {
				a, err := at.Attribute(m, fv)
				require.NoError(t, err)
				require.Len(t, a.Values, contract.Width())

				p, err := m.PredictProba(fv)
				require.NoError(t, err)
				assert.Equal(t, p, a.Probability)

				sum := a.Base
				for _, v := range a.Values {
					sum += v
				}
				assert.LessOrEqual(t, math.Abs(sum-p), 1e-6*math.Max(1, p))
			}
		})
	}
}

func TestImportance(t *testing.T) {
	s := testSplit(t)
	m, e := fitVariant(t, s, VariantCatGBT)
	imp, err := m.Importance(e.XTest)
	require.NoError(t, err)
	require.Len(t, imp, contract.Width())
	assert.Greater(t, imp[contract.Position(dataset.ColContract)], 0.0)
}

func TestArtifact_RoundTrip(t *testing.T) {
	s := testSplit(t)
	for _, name := range VariantNames() {
		t.Run(name, func(t *testing.T) {
			m, e := fitVariant(t, s, name)

			b, err := Marshal(m)
			require.NoError(t, err)
			loaded, err := Unmarshal(b)
			require.NoError(t, err)

			assert.Equal(t, m.Variant(), loaded.Variant())
			assert.Equal(t, m.Version(), loaded.Version())
			assert.Equal(t, m.Params(), loaded.Params())
			assert.Equal(t, m.TrainTime(), loaded.TrainTime())

			want, err := m.PredictBatch(e.XTest)
			require.NoError(t, err)
			got, err := loaded.PredictBatch(e.XTest)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestArtifact_File(t *testing.T) {
	s := testSplit(t)
	m, e := fitVariant(t, s, VariantCatGBT)

	path := filepath.Join(t.TempDir(), "models", "model.bin")
	require.NoError(t, SaveFile(path, m))
	loaded, err := LoadFile(path)
	require.NoError(t, err)

	want, err := m.PredictProba(e.XTest[0])
	require.NoError(t, err)
	got, err := loaded.PredictProba(e.XTest[0])
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.bin"))
	assert.True(t, errors.Is(err, ErrArtifactNotFound))

	assert.Error(t, SaveFile("", m))
}

func TestArtifact_Incompatible(t *testing.T) {
	_, err := Unmarshal([]byte("not a model"))
	assert.True(t, errors.Is(err, ErrIncompatibleArtifact))

	s := testSplit(t)
	m, _ := fitVariant(t, s, VariantGBT)

	encode := func(env envelope) []byte {
		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode(&env))
		return buf.Bytes()
	}
	base := envelope{
		Format:   ArtifactFormat,
		Version:  m.Version(),
		Contract: m.Contract().State(),
		Variant:  m.Variant(),
		Params:   m.Params(),
		Levels:   m.levels,
		Model:    m.ens,
	}

	old := base
	old.Format = "churnctl-model/0"
	_, err = Unmarshal(encode(old))
	assert.True(t, errors.Is(err, ErrIncompatibleArtifact))

	drifted := base
	drifted.Version = "telco-v1+000000000000"
	_, err = Unmarshal(encode(drifted))
	assert.True(t, errors.Is(err, ErrIncompatibleArtifact))

	revised := base
	revised.Contract = m.Contract().State()
	revised.Contract.Revision = "telco-v0"
	_, err = Unmarshal(encode(revised))
	assert.True(t, errors.Is(err, ErrIncompatibleArtifact))

	_, err = Unmarshal(encode(base))
	assert.NoError(t, err)
}

type stubAdapter struct {
	delay time.Duration
}

func (stubAdapter) Name() string                { return "stub" }
func (stubAdapter) Encoding() contract.Encoding { return contract.EncodingLabel }
func (stubAdapter) Defaults() Hyperparams       { return Hyperparams{} }

func (a stubAdapter) Fit(ctx context.Context, c *contract.Contract, X []contract.FeatureVector, y []int, hp Hyperparams) (*TrainedModel, error) {
	// ignores ctx on purpose to model a fit that cannot be interrupted
	time.Sleep(a.delay)
	return &TrainedModel{variant: "stub"}, nil
}

func TestFit_Timeout(t *testing.T) {
	start := time.Now()
	m, err := Fit(context.Background(), stubAdapter{delay: 2 * time.Second}, 20*time.Millisecond, nil, nil, nil, nil)
	assert.Nil(t, m)
	assert.True(t, errors.Is(err, ErrTrainingTimeout))
	assert.Less(t, time.Since(start), time.Second)

	m, err = Fit(context.Background(), stubAdapter{}, time.Second, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "stub", m.Variant())

	m, err = Fit(context.Background(), stubAdapter{}, 0, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

type panicAdapter struct {
	stubAdapter
}

func (panicAdapter) Fit(context.Context, *contract.Contract, []contract.FeatureVector, []int, Hyperparams) (*TrainedModel, error) {
	panic("bad split")
}

func TestFit_PanicBecomesError(t *testing.T) {
	for _, timeout := range []time.Duration{0, time.Second} {
		m, err := Fit(context.Background(), panicAdapter{}, timeout, nil, nil, nil, nil)
		assert.Nil(t, m)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stub panicked: bad split")
	}
}

func TestFit_TimeoutStopsEnsemble(t *testing.T) {
	s := testSplit(t)
	a, err := Lookup(VariantForest)
	require.NoError(t, err)
	e, err := s.Encoded(a.Encoding())
	require.NoError(t, err)

	_, err = Fit(context.Background(), a, time.Nanosecond, e.Contract, e.XTrain, s.YTrain, Hyperparams{ParamIterations: 5000})
	assert.True(t, errors.Is(err, ErrTrainingTimeout))
}

func TestTrainer_InProgress(t *testing.T) {
	var tr Trainer
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- tr.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := tr.Do(context.Background(), func(context.Context) error { return nil })
	assert.True(t, errors.Is(err, ErrTrainingInProgress))

	close(release)
	require.NoError(t, <-done)

	called := false
	require.NoError(t, tr.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)
}
