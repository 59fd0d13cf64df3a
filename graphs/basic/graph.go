// Package basic registers the single-prompt workflow.
package basic

import (
	"context"
	"strings"

	"github.com/PipeOpsHQ/execflow/eval"
	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/graph"
	"github.com/PipeOpsHQ/execflow/workflow"
)

const Name = "basic"

const answerTemplate = `{{#if globals.persona}}{{{globals.persona}}}

{{/if}}{{{prompt}}}`

type Builder struct{}

func (Builder) Name() string { return Name }

func (Builder) Description() string {
	return "Single prompt (prepare -> answer). Answers are sampled and judged when eval.samples >= 2."
}

func (Builder) NewExecutor(deps workflow.Deps) (*graph.Executor, error) {
	return NewExecutor(deps)
}

func NewExecutor(deps workflow.Deps) (*graph.Executor, error) {
	client, err := deps.Client("")
	if err != nil {
		return nil, err
	}
	answer, err := execute.MapInput(execute.New(workflow.Complete(client, answerTemplate)), workflow.Vars("prompt")).Build()
	if err != nil {
		return nil, err
	}

	cfg := deps.EvalConfig()
	if cfg.Samples >= 2 {
		ev := eval.NewEvaluator(answer, cfg, deps.Models)
		ev.Task = "Answer the user's request."
		answer = execute.Func[string, string](func(ctx context.Context, ec *execute.ExecutionContext, in string) (string, error) {
			out, err := ev.Execute(ctx, ec, in)
			return out.Output, err
		})
	}

	g := graph.New(Name)
	g.AddNode("prepare", graph.NewFuncNode(func(_ context.Context, _ *execute.ExecutionContext, s *graph.State) error {
		s.EnsureData()
		s.Input = strings.TrimSpace(s.Input)
		s.Data["prompt"] = s.Input
		return nil
	}))
	answerNode := graph.Task(answer, func(s *graph.State) (string, error) {
		return s.String("prompt"), nil
	}, "answer")
	answerNode.SetOutput = true
	g.AddNode("answer", answerNode)
	g.SetStart("prepare")
	g.AddEdge("prepare", "answer", nil)
	return graph.NewExecutor(g)
}

func init() {
	workflow.MustRegister(Builder{})
}
