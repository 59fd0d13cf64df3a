package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/types"
)

type Condition func(ctx context.Context, state *State) (bool, error)

type Edge struct {
	From      string
	To        string
	Condition Condition
}

// vertex is a node together with the Source kind it runs under and the
// checkpoint key its result is stored at. An empty key disables reuse.
type vertex struct {
	id         string
	node       Node
	kind       observe.SourceKind
	checkpoint string
}

type NodeOption func(*vertex)

// WithSourceKind overrides the Source kind the node runs under.
func WithSourceKind(kind observe.SourceKind) NodeOption {
	return func(v *vertex) { v.kind = kind }
}

// WithCheckpointKey stores the node's result under key instead of its id.
// Retries name this key to replay from the node.
func WithCheckpointKey(key string) NodeOption {
	return func(v *vertex) { v.checkpoint = key }
}

// WithoutCheckpoint always runs the node, even on a retry.
func WithoutCheckpoint() NodeOption {
	return func(v *vertex) { v.checkpoint = "" }
}

// Graph is a workflow of nodes joined by edges. The builder methods chain;
// the first mistake is kept and reported by Compile.
type Graph struct {
	name        string
	vertices    map[string]*vertex
	order       []string
	edges       map[string][]Edge
	start       string
	allowCycles bool
	maxSteps    int
	err         error
}

func New(name string) *Graph {
	return &Graph{name: name, vertices: map[string]*vertex{}, edges: map[string][]Edge{}}
}

func (g *Graph) fail(format string, args ...any) *Graph {
	if g.err == nil {
		g.err = fmt.Errorf(format, args...)
	}
	return g
}

// AddNode adds node under id. It runs as a step Source unless the node or an
// option says otherwise, and checkpoints under id.
func (g *Graph) AddNode(id string, node Node, opts ...NodeOption) *Graph {
	switch {
	case g.err != nil:
		return g
	case id == "":
		return g.fail("node id is required")
	case node == nil:
		return g.fail("node %q is nil", id)
	}
	if _, exists := g.vertices[id]; exists {
		return g.fail("node %q already exists", id)
	}
	v := &vertex{id: id, node: node, kind: observe.SourceStep, checkpoint: id}
	if k, ok := node.(kinded); ok {
		v.kind = k.Kind()
	}
	for _, opt := range opts {
		opt(v)
	}
	g.vertices[id] = v
	g.order = append(g.order, id)
	return g
}

// AddEdge adds a transition tried in insertion order. A nil condition always
// matches.
func (g *Graph) AddEdge(from, to string, condition Condition) *Graph {
	if g.err != nil {
		return g
	}
	if from == "" || to == "" {
		return g.fail("edge endpoints are required")
	}
	g.edges[from] = append(g.edges[from], Edge{From: from, To: to, Condition: condition})
	return g
}

func (g *Graph) SetStart(id string) *Graph {
	if g.err != nil {
		return g
	}
	if id == "" {
		return g.fail("start node id is required")
	}
	g.start = id
	return g
}

func (g *Graph) AllowCycles(allow bool) *Graph {
	g.allowCycles = allow
	return g
}

// MaxSteps bounds how many nodes one execution may run. It only matters
// for graphs with cycles.
func (g *Graph) MaxSteps(n int) *Graph {
	g.maxSteps = n
	return g
}

func (g *Graph) Compile() error {
	if g == nil {
		return types.ConfigurationError("graph is nil")
	}
	if g.err != nil {
		return types.ConfigurationError("graph %q: %w", g.name, g.err)
	}
	if err := g.validate(); err != nil {
		return types.ConfigurationError("graph %q: %w", g.name, err)
	}
	return nil
}

func (g *Graph) validate() error {
	switch {
	case g.name == "":
		return fmt.Errorf("graph name is required")
	case len(g.vertices) == 0:
		return fmt.Errorf("graph has no nodes")
	case g.start == "":
		return fmt.Errorf("start node is not set")
	}
	if _, ok := g.vertices[g.start]; !ok {
		return fmt.Errorf("start node %q does not exist", g.start)
	}
	for from, edges := range g.edges {
		if _, ok := g.vertices[from]; !ok {
			return fmt.Errorf("edge source node %q does not exist", from)
		}
		for _, edge := range edges {
			if _, ok := g.vertices[edge.To]; !ok {
				return fmt.Errorf("edge target node %q does not exist", edge.To)
			}
		}
	}

	keys := map[string]string{}
	for _, id := range g.order {
		key := g.vertices[id].checkpoint
		if key == "" {
			continue
		}
		if other, taken := keys[key]; taken {
			return fmt.Errorf("nodes %q and %q share checkpoint key %q", other, id, key)
		}
		keys[key] = id
	}

	if missed := g.unreachable(); len(missed) > 0 {
		return fmt.Errorf("graph contains unreachable node(s): %v", missed)
	}
	if !g.allowCycles && g.cyclic() {
		return fmt.Errorf("graph contains cycle(s); call AllowCycles(true) to enable")
	}
	return nil
}

// unreachable lists, sorted, the nodes no path from the start reaches.
func (g *Graph) unreachable() []string {
	seen := map[string]bool{g.start: true}
	queue := []string{g.start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, edge := range g.edges[id] {
			if !seen[edge.To] {
				seen[edge.To] = true
				queue = append(queue, edge.To)
			}
		}
	}
	var out []string
	for id := range g.vertices {
		if !seen[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// cyclic peels off nodes without incoming edges; anything left over sits on
// a cycle.
func (g *Graph) cyclic() bool {
	indegree := make(map[string]int, len(g.vertices))
	for _, edges := range g.edges {
		for _, edge := range edges {
			indegree[edge.To]++
		}
	}
	var ready []string
	for id := range g.vertices {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	removed := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		removed++
		for _, edge := range g.edges[id] {
			if indegree[edge.To]--; indegree[edge.To] == 0 {
				ready = append(ready, edge.To)
			}
		}
	}
	return removed < len(g.vertices)
}

// RouteEquals matches when Data[key] is the string expected. An empty key
// reads "route", where RouterNode stores its choice by default.
func RouteEquals(key, expected string) Condition {
	if key == "" {
		key = "route"
	}
	return func(_ context.Context, state *State) (bool, error) {
		if state == nil {
			return false, nil
		}
		value, ok := state.Data[key].(string)
		return ok && value == expected, nil
	}
}
