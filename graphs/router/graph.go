// Package router registers a workflow that classifies a request and routes
// it to a specialised prompt.
package router

import (
	"context"
	"strings"

	"github.com/PipeOpsHQ/execflow/graph"
	"github.com/PipeOpsHQ/execflow/workflow"
)

const Name = "router"

const classifyTemplate = `Classify the following request into exactly ONE category. Respond with ONLY the category name, nothing else.

Categories:
- code: writing, debugging, reviewing or explaining code
- data: data analysis, transformation, querying or visualization
- writing: creative writing, editing, summarizing or translating text
- ops: DevOps, infrastructure, deployment or monitoring
- general: anything else

Request: {{{input}}}`

// Categories lists the routes in match order.
var Categories = []string{"code", "data", "writing", "ops", "general"}

var handlers = map[string]string{
	"code":    "You are an expert software engineer. Write clean, efficient, well-documented code.",
	"data":    "You are an expert data analyst. Use appropriate methods and present findings clearly.",
	"writing": "You are an expert writer and editor. Produce clear, well-structured content tailored to the audience.",
	"ops":     "You are an expert SRE. Provide production-ready solutions with security and reliability in mind.",
	"general": "You are a helpful, knowledgeable assistant. Provide accurate, well-reasoned answers.",
}

type Builder struct{}

func (Builder) Name() string { return Name }

func (Builder) Description() string {
	return "Classification router: classify -> route -> specialised handler."
}

func (Builder) NewExecutor(deps workflow.Deps) (*graph.Executor, error) {
	return NewExecutor(deps)
}

// Categorize maps a free-form classifier answer onto a route.
func Categorize(answer string) string {
	answer = strings.ToLower(strings.TrimSpace(answer))
	for _, c := range Categories {
		if strings.Contains(answer, c) {
			return c
		}
	}
	return "general"
}

func NewExecutor(deps workflow.Deps) (*graph.Executor, error) {
	client, err := deps.Client("")
	if err != nil {
		return nil, err
	}
	vars := func(s *graph.State) (map[string]any, error) { return s.Vars(), nil }

	g := graph.New(Name)
	g.AddNode("classify", graph.Task(workflow.Complete(client, classifyTemplate), vars, "category"))
	g.AddNode("route", graph.NewRouterNode(func(_ context.Context, s *graph.State) (string, error) {
		return Categorize(s.String("category")), nil
	}))
	g.SetStart("classify")
	g.AddEdge("classify", "route", nil)

	for _, c := range Categories {
		id := "handle_" + c
		handler := graph.Task(workflow.Complete(client, handlers[c]+"\n\nRequest: {{{input}}}"), vars, "answer")
		handler.SetOutput = true
		g.AddNode(id, handler)
		g.AddEdge("route", id, graph.RouteEquals("route", c))
	}
	return graph.NewExecutor(g)
}

func init() {
	workflow.MustRegister(Builder{})
}
