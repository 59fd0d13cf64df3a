// Package mapreduce registers the map-reduce workflow: the input is split
// into parts, every part is summarized in a bounded parallel loop and the
// summaries are combined.
package mapreduce

import (
	"context"
	"strings"

	"github.com/PipeOpsHQ/execflow/eval"
	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/graph"
	"github.com/PipeOpsHQ/execflow/workflow"
)

const (
	Name               = "map-reduce"
	DefaultConcurrency = 4
)

const mapTemplate = `Summarize the following part of a larger document. Keep every figure, name and conclusion it contains.

Part:
{{{part}}}`

const reduceTemplate = `Combine the following summaries into one coherent answer. Remove redundancy and keep the facts consistent.
{{#if globals.audience}}
Write for: {{{globals.audience}}}
{{/if}}
Original request:
{{{input}}}

Summaries:
{{#each data.summaries}}
- {{{this}}}
{{/each}}`

type Builder struct {
	// Concurrency bounds the map loop; 0 uses DefaultConcurrency.
	Concurrency int
}

func (Builder) Name() string { return Name }

func (Builder) Description() string {
	return "Map-reduce: split input -> summarize parts in parallel -> combine."
}

func (b Builder) NewExecutor(deps workflow.Deps) (*graph.Executor, error) {
	client, err := deps.Client("")
	if err != nil {
		return nil, err
	}
	width := b.Concurrency
	if width <= 0 {
		width = DefaultConcurrency
	}

	summarize, err := execute.MapInput(execute.New(workflow.Complete(client, mapTemplate)), workflow.Vars("part")).Build()
	if err != nil {
		return nil, err
	}
	part := execute.New(summarize)
	if cfg := deps.EvalConfig(); cfg.Samples >= 2 {
		ev := eval.NewEvaluator(summarize, cfg, deps.Models)
		ev.Task = "Summarize one part of a document."
		part = execute.From(func(ctx context.Context, ec *execute.ExecutionContext, in string) (string, error) {
			out, err := ev.Execute(ctx, ec, in)
			return out.Output, err
		})
	}
	fanout, err := execute.Concurrent(part, execute.CollectAll[string]{}, width).Named("part").Build()
	if err != nil {
		return nil, err
	}

	reduce := graph.Task(workflow.Complete(client, reduceTemplate), func(s *graph.State) (map[string]any, error) {
		return s.Vars(), nil
	}, "summary")
	reduce.SetOutput = true

	g := graph.New(Name).
		AddNode("split", graph.NewFuncNode(func(ctx context.Context, ec *execute.ExecutionContext, s *graph.State) error {
			parts := Split(s.Input)
			s.EnsureData()
			s.Data["parts"] = parts
			return ec.Message(ctx, "split input into %d parts", len(parts))
		})).
		AddNode("map", graph.Loop(graph.ListFrom("parts"), fanout, "summaries")).
		AddNode("reduce", reduce).
		AddEdge("split", "map", nil).
		AddEdge("map", "reduce", nil).
		SetStart("split")
	return graph.NewExecutor(g)
}

// Split breaks text into paragraphs. Text without blank lines is split into
// lines instead.
func Split(text string) []string {
	text = strings.ReplaceAll(strings.TrimSpace(text), "\r\n", "\n")
	if text == "" {
		return nil
	}
	chunks := strings.Split(text, "\n\n")
	if len(chunks) == 1 {
		chunks = strings.Split(text, "\n")
	}
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	return parts
}

func init() {
	workflow.MustRegister(Builder{})
}
