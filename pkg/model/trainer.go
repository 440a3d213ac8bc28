package model

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mchmarny/churnctl/pkg/contract"
	"github.com/pkg/errors"
)

// Trainer serializes training jobs. Only one job may own the trainer at a
// time; a second caller gets ErrTrainingInProgress instead of waiting.
type Trainer struct {
	mu sync.Mutex
}

// Do runs fn while holding the trainer.
func (t *Trainer) Do(ctx context.Context, fn func(context.Context) error) error {
	if !t.mu.TryLock() {
		return ErrTrainingInProgress
	}
	defer t.mu.Unlock()
	return fn(ctx)
}

type fitResult struct {
	m   *TrainedModel
	err error
}

// Fit runs a.Fit bounded by timeout. A zero timeout means no limit. When
// the limit passes the fit is abandoned and its result discarded, so a
// partially fit model never reaches the caller. A panicking adapter is
// reported as an error on both paths.
func Fit(ctx context.Context, a Adapter, timeout time.Duration, c *contract.Contract, X []contract.FeatureVector, y []int, hp Hyperparams) (*TrainedModel, error) {
	if timeout <= 0 {
		r := safeFit(ctx, a, c, X, y, hp)
		return r.m, r.err
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan fitResult, 1)
	go func() {
		done <- safeFit(fctx, a, c, X, y, hp)
	}()

	select {
	case r := <-done:
		if errors.Is(fctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, timeoutError(a, timeout)
		}
		return r.m, r.err
	case <-fctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(a, timeout)
	}
}

func safeFit(ctx context.Context, a Adapter, c *contract.Contract, X []contract.FeatureVector, y []int, hp Hyperparams) (r fitResult) {
	defer func() {
		if p := recover(); p != nil {
			r = fitResult{err: errors.Errorf("%s panicked: %v", a.Name(), p)}
		}
	}()
	m, err := a.Fit(ctx, c, X, y, hp)
	return fitResult{m: m, err: err}
}

func timeoutError(a Adapter, timeout time.Duration) error {
	slog.Debug("fit abandoned", "variant", a.Name(), "timeout", timeout)
	return errors.Wrapf(ErrTrainingTimeout, "%s exceeded %s", a.Name(), timeout)
}
