package graph

import (
	"context"
	"fmt"

	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/observe"
)

// Node is one step of a workflow. It runs in its own Source and mutates
// the copy of the state it is handed.
type Node interface {
	Execute(ctx context.Context, ec *execute.ExecutionContext, state *State) error
}

// kinded nodes choose the Source kind they run under by default.
type kinded interface {
	Kind() observe.SourceKind
}

// TaskNode runs an Executable. Input derives its argument from the state,
// and the result is stored under OutputKey.
type TaskNode[I, R any] struct {
	Exec      execute.Executable[I, R]
	Input     func(state *State) (I, error)
	OutputKey string
	// SetOutput also copies a string result into State.Output.
	SetOutput bool
}

func Task[I, R any](exec execute.Executable[I, R], input func(*State) (I, error), outputKey string) *TaskNode[I, R] {
	return &TaskNode[I, R]{Exec: exec, Input: input, OutputKey: outputKey}
}

func (n *TaskNode[I, R]) Kind() observe.SourceKind { return observe.SourceTask }

func (n *TaskNode[I, R]) Execute(ctx context.Context, ec *execute.ExecutionContext, state *State) error {
	if n == nil || n.Exec == nil {
		return fmt.Errorf("task node executable is required")
	}
	if n.Input == nil {
		return fmt.Errorf("task node input is required")
	}
	in, err := n.Input(state)
	if err != nil {
		return err
	}
	out, err := n.Exec.Execute(ctx, ec, in)
	if err != nil {
		return err
	}
	state.EnsureData()
	key := n.OutputKey
	if key == "" {
		key = "output"
	}
	state.Data[key] = out
	if s, ok := any(out).(string); ok && n.SetOutput {
		state.Output = s
	}
	return nil
}

type Func func(ctx context.Context, ec *execute.ExecutionContext, state *State) error

// FuncNode runs plain Go code against the state.
type FuncNode struct {
	Func Func
}

func NewFuncNode(fn Func) *FuncNode {
	return &FuncNode{Func: fn}
}

func (n *FuncNode) Execute(ctx context.Context, ec *execute.ExecutionContext, state *State) error {
	if n == nil || n.Func == nil {
		return fmt.Errorf("func node func is required")
	}
	return n.Func(ctx, ec, state)
}

type RouteFunc func(ctx context.Context, state *State) (string, error)

// RouterNode stores a route under RouteKey for conditional edges to read.
type RouterNode struct {
	Route    RouteFunc
	RouteKey string
}

func NewRouterNode(route RouteFunc) *RouterNode {
	return &RouterNode{Route: route}
}

func (n *RouterNode) Execute(ctx context.Context, ec *execute.ExecutionContext, state *State) error {
	if n == nil || n.Route == nil {
		return fmt.Errorf("router node route func is required")
	}
	route, err := n.Route(ctx, state)
	if err != nil {
		return err
	}
	state.EnsureData()
	key := n.RouteKey
	if key == "" {
		key = "route"
	}
	state.Data[key] = route
	return ec.Emit(ctx, observe.SetMetadata{Attributes: map[string]any{key: route}})
}

// LoopNode fans Items out over Exec, usually an executable built with
// execute.Concurrent, and stores the aggregate under OutputKey.
type LoopNode[I, A any] struct {
	Items     func(state *State) ([]I, error)
	Exec      execute.Executable[[]I, A]
	OutputKey string
}

func Loop[I, A any](items func(*State) ([]I, error), exec execute.Executable[[]I, A], outputKey string) *LoopNode[I, A] {
	return &LoopNode[I, A]{Items: items, Exec: exec, OutputKey: outputKey}
}

func (n *LoopNode[I, A]) Kind() observe.SourceKind { return observe.SourceTask }

func (n *LoopNode[I, A]) Execute(ctx context.Context, ec *execute.ExecutionContext, state *State) error {
	if n == nil || n.Exec == nil || n.Items == nil {
		return fmt.Errorf("loop node needs items and an executable")
	}
	items, err := n.Items(state)
	if err != nil {
		return err
	}
	out, err := n.Exec.Execute(ctx, ec, items)
	if err != nil {
		return err
	}
	state.EnsureData()
	key := n.OutputKey
	if key == "" {
		key = "results"
	}
	state.Data[key] = out
	return nil
}

// ListFrom reads a list of strings stored under key. Lists restored from a
// checkpoint arrive as []any and are converted back.
func ListFrom(key string) func(*State) ([]string, error) {
	return func(s *State) ([]string, error) {
		switch v := s.Data[key].(type) {
		case []string:
			return v, nil
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				str, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("state %q holds %T, want strings", key, item)
				}
				out = append(out, str)
			}
			return out, nil
		case nil:
			return nil, fmt.Errorf("state %q is empty", key)
		default:
			return nil, fmt.Errorf("state %q holds %T, want a list", key, v)
		}
	}
}
