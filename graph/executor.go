package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/types"
)

const defaultMaxSteps = 1000

// Executor runs a compiled Graph. It is an execute.Executable, so it can be
// launched as a run or nested in another workflow.
type Executor struct {
	graph      *Graph
	checkpoint bool
}

type ExecutorOption func(*Executor)

// WithoutCheckpoints disables per-node checkpoint reuse.
func WithoutCheckpoints() ExecutorOption {
	return func(e *Executor) { e.checkpoint = false }
}

func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, types.ConfigurationError("graph is required")
	}
	if err := graph.Compile(); err != nil {
		return nil, err
	}
	executor := &Executor{graph: graph, checkpoint: true}
	for _, opt := range opts {
		opt(executor)
	}
	return executor, nil
}

// Execute runs the graph from its start node on input, seeding the state
// data with the run variables.
func (e *Executor) Execute(ctx context.Context, ec *execute.ExecutionContext, input string) (State, error) {
	if e == nil || e.graph == nil {
		return State{}, types.ConfigurationError("executor is not initialized")
	}
	return e.Run(ctx, ec, NewState(input, ec.Variables))
}

// Run is Execute from an explicit state.
func (e *Executor) Run(ctx context.Context, ec *execute.ExecutionContext, st State) (State, error) {
	maxSteps := e.graph.maxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	st.EnsureData()
	visits := map[string]int{}
	steps := 0
	for current := e.graph.start; current != ""; {
		if steps++; steps > maxSteps {
			return st, types.RuntimeError("graph %q exceeded %d steps", e.graph.name, maxSteps)
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		v, ok := e.graph.vertices[current]
		if !ok {
			return st, types.RuntimeError("node %q does not exist", current)
		}
		visits[current]++

		next, err := e.runNode(ctx, ec, v, visits[current], st)
		if err != nil {
			return st, fmt.Errorf("node %q failed: %w", current, err)
		}
		st = next
		st.LastNodeID = current
		st.Trace = append(st.Trace, current)

		nextNodeID, err := e.selectNextNode(ctx, current, &st)
		if err != nil {
			return st, err
		}
		if ec.Logger != nil {
			ec.Logger.Debug("node finished", zap.String("node", current), zap.String("next", nextNodeID))
		}
		current = nextNodeID
	}
	if st.Output == "" {
		st.Output = st.String("output")
	}
	return st, nil
}

// checkpointKey names a node visit. The first visit uses the node's key so
// a retry can replay from it by name.
func checkpointKey(key string, visit int) string {
	if visit <= 1 {
		return key
	}
	return fmt.Sprintf("%s#%d", key, visit)
}

func (e *Executor) runNode(ctx context.Context, ec *execute.ExecutionContext, v *vertex, visit int, st State) (State, error) {
	var exec execute.Executable[State, State] = execute.Func[State, State](
		func(ctx context.Context, nec *execute.ExecutionContext, in State) (State, error) {
			out := in.Clone()
			if err := v.node.Execute(ctx, nec, &out); err != nil {
				return State{}, err
			}
			return out, nil
		})
	if e.checkpoint && v.checkpoint != "" {
		exec = execute.Checkpointed(checkpointKey(v.checkpoint, visit), exec)
	}
	return execute.Step(v.id, v.kind, exec).Execute(ctx, ec, st)
}

func (e *Executor) selectNextNode(ctx context.Context, from string, st *State) (string, error) {
	for _, edge := range e.graph.edges[from] {
		if edge.Condition == nil {
			return edge.To, nil
		}
		ok, err := edge.Condition(ctx, st)
		if err != nil {
			return "", fmt.Errorf("edge %q -> %q condition failed: %w", edge.From, edge.To, err)
		}
		if ok {
			return edge.To, nil
		}
	}
	return "", nil
}
