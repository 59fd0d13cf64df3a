// Package chain registers the analyze -> plan -> execute workflow.
package chain

import (
	"github.com/PipeOpsHQ/execflow/graph"
	"github.com/PipeOpsHQ/execflow/workflow"
)

const Name = "chain"

const (
	analyzeTemplate = `Analyze the following request carefully. Identify the key requirements, constraints and what needs to be done. Be concise.

Request: {{{input}}}`

	planTemplate = `Based on this analysis, create a step-by-step action plan. Be specific and actionable.

Original request: {{{input}}}

Analysis: {{{data.analysis}}}`

	executeTemplate = `Execute the following plan. Provide the complete result.

Original request: {{{input}}}

Plan: {{{data.plan}}}`
)

type Builder struct{}

func (Builder) Name() string { return Name }

func (Builder) Description() string {
	return "Multi-step chain: analyze -> plan -> execute. Retry from any step reuses the earlier ones."
}

func (Builder) NewExecutor(deps workflow.Deps) (*graph.Executor, error) {
	return NewExecutor(deps)
}

func NewExecutor(deps workflow.Deps) (*graph.Executor, error) {
	client, err := deps.Client("")
	if err != nil {
		return nil, err
	}
	vars := func(s *graph.State) (map[string]any, error) { return s.Vars(), nil }

	g := graph.New(Name)
	g.AddNode("analyze", graph.Task(workflow.Complete(client, analyzeTemplate), vars, "analysis"))
	g.AddNode("plan", graph.Task(workflow.Complete(client, planTemplate), vars, "plan"))
	execute := graph.Task(workflow.Complete(client, executeTemplate), vars, "execution")
	execute.SetOutput = true
	g.AddNode("execute", execute)

	g.SetStart("analyze")
	g.AddEdge("analyze", "plan", nil)
	g.AddEdge("plan", "execute", nil)
	return graph.NewExecutor(g)
}

func init() {
	workflow.MustRegister(Builder{})
}
