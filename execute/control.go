package execute

import (
	"context"
	"errors"

	"github.com/PipeOpsHQ/execflow/types"
)

// ConcurrencyControl turns the results of a concurrent loop into an
// aggregate. Implementations must drain, replay or discard the writer on
// every path, including errors.
type ConcurrencyControl[R, A any] interface {
	Handle(ctx context.Context, ec *ExecutionContext, pending *Pending[R], w *OrderedWriter) (A, error)
}

type ControlFunc[R, A any] func(ctx context.Context, ec *ExecutionContext, pending *Pending[R], w *OrderedWriter) (A, error)

func (f ControlFunc[R, A]) Handle(ctx context.Context, ec *ExecutionContext, pending *Pending[R], w *OrderedWriter) (A, error) {
	return f(ctx, ec, pending, w)
}

// settle waits for the loop and drains the writer. A drain failure is
// joined with the wait failure.
func settle[R any](ctx context.Context, pending *Pending[R], w *OrderedWriter) (LoopResult[R], error) {
	result, err := pending.Wait(ctx)
	if err != nil {
		drainErr := w.Drain(context.WithoutCancel(ctx))
		return LoopResult[R]{}, errors.Join(err, drainErr)
	}
	if err := w.Drain(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// CollectAll returns every value in input order and fails if any item failed.
type CollectAll[R any] struct{}

func (CollectAll[R]) Handle(ctx context.Context, _ *ExecutionContext, pending *Pending[R], w *OrderedWriter) ([]R, error) {
	result, err := settle(ctx, pending, w)
	if err != nil {
		return nil, err
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return result.Values(), nil
}

// Tolerant returns the successful items as long as at least MinSuccess of
// them succeeded.
type Tolerant[R any] struct {
	MinSuccess int
}

func (t Tolerant[R]) Handle(ctx context.Context, ec *ExecutionContext, pending *Pending[R], w *OrderedWriter) ([]ItemResult[R], error) {
	result, err := settle(ctx, pending, w)
	if err != nil {
		return nil, err
	}
	successes := result.Successes()
	if len(successes) < t.MinSuccess {
		cause := result.Err()
		if cause == nil {
			return nil, types.RuntimeError("only %d of %d items succeeded, need %d", len(successes), len(result.Items), t.MinSuccess)
		}
		return nil, types.RuntimeError("only %d of %d items succeeded, need %d: %w", len(successes), len(result.Items), t.MinSuccess, cause)
	}
	if failed := result.Failed(); len(failed) > 0 && ec != nil {
		_ = ec.Message(ctx, "%d of %d items failed", len(failed), len(result.Items))
	}
	return successes, nil
}

// Reduce folds successful values into an aggregate in input order. Failed
// items abort the fold unless SkipFailures is set.
type Reduce[R, A any] struct {
	Initial      A
	Fold         func(acc A, item ItemResult[R]) (A, error)
	SkipFailures bool
}

func (r Reduce[R, A]) Handle(ctx context.Context, _ *ExecutionContext, pending *Pending[R], w *OrderedWriter) (A, error) {
	acc := r.Initial
	result, err := settle(ctx, pending, w)
	if err != nil {
		return acc, err
	}
	if !r.SkipFailures {
		if err := result.Err(); err != nil {
			return acc, err
		}
	}
	if r.Fold == nil {
		return acc, types.ConfigurationError("reduce requires a fold function")
	}
	for _, item := range result.Successes() {
		acc, err = r.Fold(acc, item)
		if err != nil {
			return acc, err
		}
	}
	return acc, nil
}
