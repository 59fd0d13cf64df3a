// Package execute holds the executable abstraction and its combinators:
// input mapping, bounded parallel loops with order-preserving event output,
// and concurrency controls that reduce loop results.
package execute

import "context"

// Executable is a unit of work producing R from I. Implementations only
// produce side effects through ec and must be safe for concurrent use.
type Executable[I, R any] interface {
	Execute(ctx context.Context, ec *ExecutionContext, input I) (R, error)
}

type Func[I, R any] func(ctx context.Context, ec *ExecutionContext, input I) (R, error)

func (f Func[I, R]) Execute(ctx context.Context, ec *ExecutionContext, input I) (R, error) {
	return f(ctx, ec, input)
}
