package tune

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/mchmarny/churnctl/pkg/eval"
	"github.com/mchmarny/churnctl/pkg/model"
	"github.com/mchmarny/churnctl/pkg/split"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Options control Search.
type Options struct {
	// Folds is the cross-validation fold count, default split.DefaultFolds.
	Folds int
	// Metric selects the best point, default eval.MetricAccuracy.
	Metric string
	// Seed drives the fold assignment. Zero is a seed like any other; pass
	// the split seed to keep folds aligned with the holdout.
	Seed int64
	// Workers bounds parallel grid points, default GOMAXPROCS.
	Workers int
	// Timeout bounds every single fit. Zero means no limit.
	Timeout time.Duration
	// Base hyperparameters apply under every grid point.
	Base model.Hyperparams
}

// PointResult is the cross-validated score of one grid point.
type PointResult struct {
	Params     model.Hyperparams `json:"params" yaml:"params"`
	Score      float64           `json:"cv_score" yaml:"cvScore"`
	FoldScores []float64         `json:"fold_scores,omitempty" yaml:"foldScores,omitempty"`
	Error      string            `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result is the outcome of a search.
type Result struct {
	Variant   string            `json:"variant" yaml:"variant"`
	Metric    string            `json:"metric" yaml:"metric"`
	Folds     int               `json:"folds" yaml:"folds"`
	Best      model.Hyperparams `json:"best_params" yaml:"bestParams"`
	BestScore float64           `json:"best_cv_score" yaml:"bestCvScore"`
	Points    []PointResult     `json:"points" yaml:"points"`
	Test      eval.Metrics      `json:"test" yaml:"test"`

	// Model is refit on the full training partition with Best.
	Model *model.TrainedModel `json:"-" yaml:"-"`
}

func (o Options) withDefaults() Options {
	if o.Folds == 0 {
		o.Folds = split.DefaultFolds
	}
	if o.Metric == "" {
		o.Metric = eval.MetricAccuracy
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	return o
}

// Search scores every grid point by k-fold cross-validation over the
// training partition, picks the best by opts.Metric with the first point
// winning ties, refits it on the full training partition and scores it on
// the test partition. The test partition is read only for that final score.
func Search(ctx context.Context, s *split.TrainTestSplit, a model.Adapter, g Grid, opts Options) (*Result, error) {
	if s == nil || a == nil {
		return nil, errors.New("search needs a split and an adapter")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	if err := eval.CheckMetric(opts.Metric); err != nil {
		return nil, err
	}

	enc, err := s.Encoded(a.Encoding())
	if err != nil {
		return nil, err
	}
	folds, err := split.StratifiedKFold(s.YTrain, opts.Folds, opts.Seed)
	if err != nil {
		return nil, err
	}

	points := g.Points()
	res := &Result{
		Variant: a.Name(),
		Metric:  opts.Metric,
		Folds:   opts.Folds,
		Points:  make([]PointResult, len(points)),
	}
	slog.Debug("grid search",
		"variant", a.Name(),
		"points", len(points),
		"folds", opts.Folds,
		"metric", opts.Metric)

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.Workers)
	for k, p := range points {
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res.Points[k] = crossValidate(gctx, a, enc, s.YTrain, folds, opts, p)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, errors.Wrap(err, "grid search stopped")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "grid search stopped")
	}

	best := -1
	for k, pr := range res.Points {
		if pr.Error != "" {
			continue
		}
		if best < 0 || pr.Score > res.Points[best].Score {
			best = k
		}
	}
	if best < 0 {
		return nil, errors.Errorf("every grid point failed, first error: %s", res.Points[0].Error)
	}
	res.Best = points[best]
	res.BestScore = res.Points[best].Score

	m, err := model.Fit(ctx, a, opts.Timeout, enc.Contract, enc.XTrain, s.YTrain, opts.Base.Merge(res.Best))
	if err != nil {
		return nil, errors.Wrap(err, "failed to refit best configuration")
	}
	probs, err := m.PredictBatch(enc.XTest)
	if err != nil {
		return nil, err
	}
	if res.Test, err = eval.Score(s.YTest, probs, eval.DefaultThreshold); err != nil {
		return nil, err
	}
	res.Model = m
	return res, nil
}

func crossValidate(ctx context.Context, a model.Adapter, enc *split.Encoded, y []int, folds []split.Fold, opts Options, p model.Hyperparams) PointResult {
	pr := PointResult{Params: p, FoldScores: make([]float64, len(folds))}
	hp := opts.Base.Merge(p)

	total := 0.0
	for f, fold := range folds {
		xt, yt := pick(enc.XTrain, y, fold.Train)
		xv, yv := pick(enc.XTrain, y, fold.Valid)

		m, err := model.Fit(ctx, a, opts.Timeout, enc.Contract, xt, yt, hp)
		if err != nil {
			pr.Error = err.Error()
			return pr
		}
		probs, err := m.PredictBatch(xv)
		if err != nil {
			pr.Error = err.Error()
			return pr
		}
		met, err := eval.Score(yv, probs, eval.DefaultThreshold)
		if err != nil {
			pr.Error = err.Error()
			return pr
		}
		v, _ := met.Get(opts.Metric)
		pr.FoldScores[f] = v
		total += v
	}
	pr.Score = total / float64(len(folds))
	return pr
}

func pick(X []contract.FeatureVector, y []int, idx []int) ([]contract.FeatureVector, []int) {
	xo := make([]contract.FeatureVector, len(idx))
	yo := make([]int, len(idx))
	for i, j := range idx {
		xo[i] = X[j]
		yo[i] = y[j]
	}
	return xo, yo
}
