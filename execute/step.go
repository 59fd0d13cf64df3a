package execute

import (
	"context"

	"github.com/PipeOpsHQ/execflow/observe"
)

func sourceKindOr(kind []string) observe.SourceKind {
	if len(kind) > 0 && kind[0] != "" {
		return observe.SourceKind(kind[0])
	}
	return observe.SourceStep
}

type step[I, R any] struct {
	name string
	kind observe.SourceKind
	exec Executable[I, R]
}

// Step runs exec in a child Source of kind, emitting Started before and
// Finished after. Finished carries the error text on failure.
func Step[I, R any](name string, kind observe.SourceKind, exec Executable[I, R]) Executable[I, R] {
	if kind == "" {
		kind = observe.SourceStep
	}
	return step[I, R]{name: name, kind: kind, exec: exec}
}

func (s step[I, R]) Execute(ctx context.Context, ec *ExecutionContext, input I) (out R, err error) {
	child := ec.Child(s.kind)
	if err := child.Start(ctx, s.name, nil); err != nil {
		var zero R
		return zero, err
	}
	defer func() {
		if finishErr := child.Finish(context.WithoutCancel(ctx), err); finishErr != nil && err == nil {
			err = finishErr
		}
	}()
	return s.exec.Execute(ctx, child, input)
}
