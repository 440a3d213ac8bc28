// Package scoring is the boundary the presentation layer calls: score and
// explain one customer, list customers, compare models and summarize the
// customer base. State is loaded by an explicit Init and dropped by
// Invalidate.
package scoring

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/mchmarny/churnctl/pkg/analytics"
	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/mchmarny/churnctl/pkg/dataset"
	"github.com/mchmarny/churnctl/pkg/eval"
	"github.com/mchmarny/churnctl/pkg/explain"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrCustomerNotFound is returned for an identifier not in the dataset.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrNotInitialized is returned before Init or after Invalidate.
	ErrNotInitialized = errors.New("scoring service not initialized")
)

// Comparer produces model comparison rows on demand.
type Comparer interface {
	Compare(ctx context.Context) ([]eval.ComparisonResult, error)
}

// ComparerFunc adapts a function to Comparer.
type ComparerFunc func(ctx context.Context) ([]eval.ComparisonResult, error)

// Compare implements Comparer.
func (f ComparerFunc) Compare(ctx context.Context) ([]eval.ComparisonResult, error) {
	return f(ctx)
}

// ModelLoader resolves the model Init binds to.
type ModelLoader func(ctx context.Context) (*model.TrainedModel, error)

// Options configure a Service. Dataset and Model take precedence over the
// corresponding paths; Loader, when set, replaces reading ArtifactPath.
type Options struct {
	DatasetPath  string
	ArtifactPath string
	Dataset      *dataset.Dataset
	Model        *model.TrainedModel
	Loader       ModelLoader

	Explain    explain.Config
	Attributor model.Attributor
	Comparer   Comparer
	// Workers bounds ScoreBatch parallelism, default GOMAXPROCS.
	Workers int
}

// Score is the result for one customer. A failed explanation leaves
// Explanation nil and sets ExplanationError; the probability stands.
type Score struct {
	CustomerID       string                `json:"customer_id" yaml:"customerId"`
	Probability      float64               `json:"probability" yaml:"probability"`
	Variant          string                `json:"variant" yaml:"variant"`
	Version          string                `json:"contract_version" yaml:"contractVersion"`
	Imputations      []contract.Imputation `json:"imputations,omitempty" yaml:"imputations,omitempty"`
	Explanation      *explain.Explanation  `json:"explanation,omitempty" yaml:"explanation,omitempty"`
	ExplanationError string                `json:"explanation_error,omitempty" yaml:"explanationError,omitempty"`
	Record           map[string]string     `json:"record" yaml:"record"`
}

type state struct {
	data  *dataset.Dataset
	model *model.TrainedModel

	compareMu sync.Mutex
	compared  []eval.ComparisonResult
}

// Service scores customers against one loaded model.
type Service struct {
	opts   Options
	engine *explain.Engine

	mu    sync.RWMutex
	state *state
}

// New validates options. It loads nothing; call Init.
func New(opts Options) (*Service, error) {
	if opts.Explain == (explain.Config{}) {
		opts.Explain = explain.DefaultConfig()
	}
	e, err := explain.New(opts.Explain)
	if err != nil {
		return nil, err
	}
	if opts.Attributor == nil {
		opts.Attributor = model.PathAttributor{}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Service{opts: opts, engine: e}, nil
}

// Init loads the dataset and the model artifact. Calling it again reloads
// both and replaces the previous state.
func (s *Service) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d := s.opts.Dataset
	if d == nil {
		var err error
		if d, err = dataset.Load(s.opts.DatasetPath); err != nil {
			return err
		}
	}
	m := s.opts.Model
	if m == nil {
		load := s.opts.Loader
		if load == nil {
			load = func(context.Context) (*model.TrainedModel, error) {
				return model.LoadFile(s.opts.ArtifactPath)
			}
		}
		var err error
		if m, err = load(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil && s.state.model.Version() != m.Version() {
		slog.Info("contract version changed, dropping scoring state",
			"from", s.state.model.Version(),
			"to", m.Version())
	}
	s.state = &state{data: d, model: m}
	slog.Debug("scoring initialized",
		"customers", d.Len(),
		"variant", m.Variant(),
		"version", m.Version())
	return nil
}

// RiskThreshold is the probability above which a customer is high risk.
func (s *Service) RiskThreshold() float64 { return s.engine.Config().RiskThreshold }

// Invalidate drops the loaded state.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
}

// Ready reports whether Init has loaded state.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state != nil
}

// Version returns the contract version of the loaded model.
func (s *Service) Version() (string, error) {
	st, err := s.current()
	if err != nil {
		return "", err
	}
	return st.model.Version(), nil
}

func (s *Service) current() (*state, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil, ErrNotInitialized
	}
	return s.state, nil
}

// ListCustomers returns every customer identifier in dataset order.
func (s *Service) ListCustomers() ([]string, error) {
	st, err := s.current()
	if err != nil {
		return nil, err
	}
	return st.data.IDs(), nil
}

// Summary aggregates churn analytics for the filter.
func (s *Service) Summary(f analytics.Filter) (*analytics.Summary, error) {
	st, err := s.current()
	if err != nil {
		return nil, err
	}
	return analytics.Summarize(st.data.Records, f), nil
}

// CompareModels returns comparison rows from the configured Comparer. The
// first successful result is kept until the state is replaced.
func (s *Service) CompareModels(ctx context.Context) ([]eval.ComparisonResult, error) {
	st, err := s.current()
	if err != nil {
		return nil, err
	}
	if s.opts.Comparer == nil {
		return nil, errors.New("no model comparison source configured")
	}

	st.compareMu.Lock()
	defer st.compareMu.Unlock()
	if st.compared == nil {
		rows, err := s.opts.Comparer.Compare(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to compare models")
		}
		st.compared = rows
	}
	return append([]eval.ComparisonResult(nil), st.compared...), nil
}

// Score scores and explains one customer.
func (s *Service) Score(ctx context.Context, id string) (*Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.current()
	if err != nil {
		return nil, err
	}
	var buf contract.FeatureVector
	return s.score(st, id, &buf)
}

// ScoreBatch scores customers in parallel. Results follow ids order. The
// first failure cancels the batch.
func (s *Service) ScoreBatch(ctx context.Context, ids []string) ([]*Score, error) {
	st, err := s.current()
	if err != nil {
		return nil, err
	}

	out := make([]*Score, len(ids))
	jobs := make(chan int)
	g, gctx := errgroup.WithContext(ctx)

	workers := s.opts.Workers
	if workers > len(ids) {
		workers = len(ids)
	}
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			var buf contract.FeatureVector
			for i := range jobs {
				sc, err := s.score(st, ids[i], &buf)
				if err != nil {
					return err
				}
				out[i] = sc
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		for i := range ids {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ScoreRecord scores a record that need not be part of the dataset.
func (s *Service) ScoreRecord(ctx context.Context, r *dataset.Record) (*Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.current()
	if err != nil {
		return nil, err
	}
	var buf contract.FeatureVector
	return s.scoreRecord(st, r, &buf)
}

func (s *Service) score(st *state, id string, buf *contract.FeatureVector) (*Score, error) {
	r, ok := st.data.Find(id)
	if !ok {
		return nil, errors.Wrapf(ErrCustomerNotFound, "%q", id)
	}
	return s.scoreRecord(st, r, buf)
}

// scoreRecord encodes into buf, which must not be shared between
// goroutines.
func (s *Service) scoreRecord(st *state, r *dataset.Record, buf *contract.FeatureVector) (*Score, error) {
	c := st.model.Contract()
	if err := c.EncodeInto(r, c.ServingPolicy(), buf); err != nil {
		return nil, err
	}
	p, err := st.model.PredictProba(*buf)
	if err != nil {
		return nil, err
	}

	out := &Score{
		CustomerID:  r.ID,
		Probability: p,
		Variant:     st.model.Variant(),
		Version:     st.model.Version(),
		Imputations: append([]contract.Imputation(nil), buf.Imputations...),
		Record:      make(map[string]string, len(r.Fields)),
	}
	for k, v := range r.Fields {
		out.Record[k] = v
	}

	ex, err := s.explain(st, r, *buf, p)
	if err != nil {
		slog.Debug("explanation failed", "customer", r.ID, "error", err)
		out.ExplanationError = err.Error()
		return out, nil
	}
	out.Explanation = ex
	return out, nil
}

func (s *Service) explain(st *state, r *dataset.Record, fv contract.FeatureVector, p float64) (*explain.Explanation, error) {
	a, err := s.opts.Attributor.Attribute(st.model, fv)
	if err != nil {
		return nil, errors.Wrap(err, "attribution failed")
	}
	return s.engine.Explain(explain.Input{
		Features:      contract.Names(),
		Values:        st.model.Contract().Display(r, fv),
		Contributions: a.Values,
		Base:          a.Base,
		Probability:   p,
	})
}
