package execute

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/execflow/observe"
)

// ItemResult is the outcome of one loop item, tagged with its input index.
type ItemResult[R any] struct {
	Index int
	Value R
	Err   error
}

// LoopResult holds every item outcome in input order.
type LoopResult[R any] struct {
	Items []ItemResult[R]
}

// Successes returns the successful items in input order.
func (r LoopResult[R]) Successes() []ItemResult[R] {
	out := make([]ItemResult[R], 0, len(r.Items))
	for _, item := range r.Items {
		if item.Err == nil {
			out = append(out, item)
		}
	}
	return out
}

func (r LoopResult[R]) Failed() []ItemResult[R] {
	out := []ItemResult[R]{}
	for _, item := range r.Items {
		if item.Err != nil {
			out = append(out, item)
		}
	}
	return out
}

// Values returns the successful values in input order.
func (r LoopResult[R]) Values() []R {
	successes := r.Successes()
	out := make([]R, len(successes))
	for i, item := range successes {
		out[i] = item.Value
	}
	return out
}

// Err returns nil when every item succeeded, otherwise the failure with the
// lowest index wrapped with the failure count.
func (r LoopResult[R]) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	first := failed[0]
	return fmt.Errorf("%d of %d items failed; item %d: %w", len(failed), len(r.Items), first.Index, first.Err)
}

// Pending is the handle of a loop that is still running.
type Pending[R any] struct {
	total  int
	done   chan struct{}
	result LoopResult[R]
}

func (p *Pending[R]) Total() int {
	return p.total
}

func (p *Pending[R]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until every item has completed or ctx is done.
func (p *Pending[R]) Wait(ctx context.Context) (LoopResult[R], error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return LoopResult[R]{}, ctx.Err()
	}
}

// LoopExecutor runs an Executable over a list of inputs with at most
// Concurrency items in flight. Items are admitted in input order; each one
// runs in its own loop_item Source whose events go through an OrderedWriter.
type LoopExecutor[I, R any] struct {
	Exec        Executable[I, R]
	Concurrency int
	Mode        WriterMode
	Name        string
	// OnProgress is called once per completed item, from a single goroutine.
	OnProgress func(done, total int)
}

// Start launches the loop in the background. The caller owns the returned
// writer and must Drain, Replay or Discard it.
func (l *LoopExecutor[I, R]) Start(ctx context.Context, ec *ExecutionContext, inputs []I) (*Pending[R], *OrderedWriter) {
	total := len(inputs)
	width := l.Concurrency
	if width <= 0 || width > total {
		width = total
	}
	if width == 0 {
		width = 1
	}

	loopEC := ec.Child(observe.SourceLoop)
	name := l.Name
	if name == "" {
		name = "loop"
	}
	logger := loopEC.log()
	if err := loopEC.Start(ctx, name, map[string]any{"total": total, "concurrency": width, "mode": l.Mode.String()}); err != nil {
		logger.Warn("failed to emit loop start", zap.Error(err))
	}
	_ = loopEC.Emit(ctx, observe.ProgressStarted(total))

	w := NewOrderedWriter(ctx, ec.Sink(), total, l.Mode)
	pending := &Pending[R]{
		total:  total,
		done:   make(chan struct{}),
		result: LoopResult[R]{Items: make([]ItemResult[R], total)},
	}

	completed := make(chan int, total)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		n := 0
		for range completed {
			n++
			if l.OnProgress != nil {
				l.OnProgress(n, total)
			}
			_ = loopEC.Emit(ctx, observe.ProgressUpdated(n))
		}
	}()

	go func() {
		var g errgroup.Group
		g.SetLimit(width)
		admitted := 0
		for i := range inputs {
			if ctx.Err() != nil {
				break
			}
			idx, input := i, inputs[i]
			g.Go(func() error {
				pending.result.Items[idx] = l.runItem(ctx, loopEC, w, idx, input)
				completed <- idx
				return nil
			})
			admitted++
		}
		for i := admitted; i < total; i++ {
			pending.result.Items[i] = ItemResult[R]{Index: i, Err: ctx.Err()}
			w.Finish(i)
		}
		_ = g.Wait()
		close(completed)
		<-progressDone
		// in streaming mode this also waits for the item events to reach the sink
		<-w.Settled()

		failed := len(pending.result.Failed())
		_ = loopEC.Emit(ctx, observe.ProgressFinished())
		var loopErr error
		if ctx.Err() != nil {
			loopErr = ctx.Err()
		}
		finished := observe.Finished{Attributes: map[string]any{"succeeded": total - failed, "failed": failed}}
		if loopErr != nil {
			finished.Error = loopErr.Error()
		}
		_ = loopEC.Emit(context.WithoutCancel(ctx), finished)
		logger.Debug("loop finished", zap.Int("total", total), zap.Int("failed", failed))
		close(pending.done)
	}()
	return pending, w
}

func (l *LoopExecutor[I, R]) runItem(ctx context.Context, loopEC *ExecutionContext, w *OrderedWriter, idx int, input I) (result ItemResult[R]) {
	result.Index = idx
	defer w.Finish(idx)
	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}
	itemEC := loopEC.Child(observe.SourceLoopItem).WithSink(w.Sink(idx))
	_ = itemEC.Start(ctx, fmt.Sprintf("%s[%d]", itemName(l.Name), idx), map[string]any{"index": idx})
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("loop item %d panicked: %v", idx, r)
		}
		if result.Err != nil {
			itemEC.log().Debug("loop item failed", zap.Int("index", idx), zap.Error(result.Err))
		}
		_ = itemEC.Finish(context.WithoutCancel(ctx), result.Err)
	}()
	result.Value, result.Err = l.Exec.Execute(ctx, itemEC, input)
	return result
}

func itemName(name string) string {
	if name == "" {
		return "item"
	}
	return name
}

// Run executes the loop with a streaming writer and waits for it.
func (l *LoopExecutor[I, R]) Run(ctx context.Context, ec *ExecutionContext, inputs []I) (LoopResult[R], error) {
	loop := *l
	loop.Mode = Streaming
	pending, w := loop.Start(ctx, ec, inputs)
	result, err := pending.Wait(ctx)
	if err != nil {
		_ = w.Drain(context.WithoutCancel(ctx))
		return LoopResult[R]{}, err
	}
	if err := w.Drain(ctx); err != nil {
		return result, err
	}
	return result, nil
}
