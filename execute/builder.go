package execute

import (
	"context"

	"github.com/PipeOpsHQ/execflow/types"
)

// Builder composes an input mapper, an optional concurrency control and a
// terminal executable. The first construction error is kept and returned
// from Build.
type Builder[I, R any] struct {
	exec     Executable[I, R]
	buildErr error
}

func New[I, R any](exec Executable[I, R]) *Builder[I, R] {
	b := &Builder[I, R]{exec: exec}
	if exec == nil {
		b.buildErr = types.ArgumentError("executable is required")
	}
	return b
}

// From wraps a function as the terminal executable.
func From[I, R any](fn func(ctx context.Context, ec *ExecutionContext, input I) (R, error)) *Builder[I, R] {
	if fn == nil {
		return New[I, R](nil)
	}
	return New[I, R](Func[I, R](fn))
}

// MapInput places mapper in front of the builder's executable.
func MapInput[In, I, R any](b *Builder[I, R], mapper ParamMapper[In, I]) *Builder[In, R] {
	out := &Builder[In, R]{buildErr: b.buildErr}
	if out.buildErr != nil {
		return out
	}
	if mapper == nil {
		out.buildErr = types.ArgumentError("param mapper is required")
		return out
	}
	out.exec = mappedExecutable[In, I, R]{mapper: mapper, exec: b.exec}
	return out
}

// Step runs the built executable inside its own Source.
func (b *Builder[I, R]) Step(name string, kind ...string) *Builder[I, R] {
	if b.buildErr != nil {
		return b
	}
	if name == "" {
		b.buildErr = types.ArgumentError("step name is required")
		return b
	}
	b.exec = Step(name, sourceKindOr(kind), b.exec)
	return b
}

// Checkpointed reuses stored results for key on retries.
func (b *Builder[I, R]) Checkpointed(key string) *Builder[I, R] {
	if b.buildErr != nil {
		return b
	}
	if key == "" {
		b.buildErr = types.ArgumentError("checkpoint key is required")
		return b
	}
	b.exec = Checkpointed(key, b.exec)
	return b
}

func (b *Builder[I, R]) Build() (Executable[I, R], error) {
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	return b.exec, nil
}

// ConcurrentBuilder runs a builder's executable over a list of inputs and
// reduces the per-item results with a ConcurrencyControl.
type ConcurrentBuilder[I, R, A any] struct {
	inner      *Builder[I, R]
	control    ConcurrencyControl[R, A]
	width      int
	mode       WriterMode
	name       string
	onProgress func(done, total int)
	buildErr   error
}

func Concurrent[I, R, A any](b *Builder[I, R], control ConcurrencyControl[R, A], c int) *ConcurrentBuilder[I, R, A] {
	cb := &ConcurrentBuilder[I, R, A]{inner: b, control: control, width: c, buildErr: b.buildErr}
	if cb.buildErr != nil {
		return cb
	}
	switch {
	case control == nil:
		cb.buildErr = types.ArgumentError("concurrency control is required")
	case c < 1:
		cb.buildErr = types.ArgumentError("concurrency must be at least 1, got %d", c)
	}
	return cb
}

// Buffered holds every item's events until the control replays them.
func (cb *ConcurrentBuilder[I, R, A]) Buffered() *ConcurrentBuilder[I, R, A] {
	cb.mode = Buffered
	return cb
}

func (cb *ConcurrentBuilder[I, R, A]) Named(name string) *ConcurrentBuilder[I, R, A] {
	cb.name = name
	return cb
}

func (cb *ConcurrentBuilder[I, R, A]) OnProgress(fn func(done, total int)) *ConcurrentBuilder[I, R, A] {
	cb.onProgress = fn
	return cb
}

func (cb *ConcurrentBuilder[I, R, A]) Build() (Executable[[]I, A], error) {
	if cb.buildErr != nil {
		return nil, cb.buildErr
	}
	exec, err := cb.inner.Build()
	if err != nil {
		return nil, err
	}
	return concurrentExecutable[I, R, A]{
		loop: LoopExecutor[I, R]{
			Exec:        exec,
			Concurrency: cb.width,
			Mode:        cb.mode,
			Name:        cb.name,
			OnProgress:  cb.onProgress,
		},
		control: cb.control,
	}, nil
}

type concurrentExecutable[I, R, A any] struct {
	loop    LoopExecutor[I, R]
	control ConcurrencyControl[R, A]
}

func (c concurrentExecutable[I, R, A]) Execute(ctx context.Context, ec *ExecutionContext, inputs []I) (A, error) {
	loop := c.loop
	pending, w := loop.Start(ctx, ec, inputs)
	return c.control.Handle(ctx, ec, pending, w)
}
