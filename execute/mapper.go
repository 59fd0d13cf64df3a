package execute

import "context"

// ParamMapper converts the builder input into the wrapped executable's input.
// A nil returned context keeps the current one.
type ParamMapper[In, I any] interface {
	Map(ctx context.Context, ec *ExecutionContext, input In) (I, *ExecutionContext, error)
}

type MapperFunc[In, I any] func(ctx context.Context, ec *ExecutionContext, input In) (I, *ExecutionContext, error)

func (f MapperFunc[In, I]) Map(ctx context.Context, ec *ExecutionContext, input In) (I, *ExecutionContext, error) {
	return f(ctx, ec, input)
}

// MapValue adapts a pure conversion into a ParamMapper.
func MapValue[In, I any](fn func(In) (I, error)) ParamMapper[In, I] {
	return MapperFunc[In, I](func(_ context.Context, _ *ExecutionContext, input In) (I, *ExecutionContext, error) {
		out, err := fn(input)
		return out, nil, err
	})
}

type mappedExecutable[In, I, R any] struct {
	mapper ParamMapper[In, I]
	exec   Executable[I, R]
}

func (m mappedExecutable[In, I, R]) Execute(ctx context.Context, ec *ExecutionContext, input In) (R, error) {
	mapped, next, err := m.mapper.Map(ctx, ec, input)
	if err != nil {
		var zero R
		return zero, err
	}
	if next != nil {
		ec = next
	}
	return m.exec.Execute(ctx, ec, mapped)
}
