package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/graph"
)

// FileSpec describes a workflow graph in a JSON or YAML file.
type FileSpec struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Start       string         `json:"start" yaml:"start"`
	AllowCycles bool           `json:"allowCycles" yaml:"allowCycles"`
	MaxSteps    int            `json:"maxSteps,omitempty" yaml:"maxSteps,omitempty"`
	Nodes       []FileNodeSpec `json:"nodes" yaml:"nodes"`
	Edges       []FileEdgeSpec `json:"edges" yaml:"edges"`
}

// FileNodeSpec is one node. Templates are handlebars and see input, output,
// data and the configured globals.
type FileNodeSpec struct {
	ID           string `json:"id" yaml:"id"`
	Kind         string `json:"kind" yaml:"kind"`
	Key          string `json:"key,omitempty" yaml:"key,omitempty"`
	Value        any    `json:"value,omitempty" yaml:"value,omitempty"`
	Template     string `json:"template,omitempty" yaml:"template,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	OutputKey    string `json:"outputKey,omitempty" yaml:"outputKey,omitempty"`
	From         string `json:"from,omitempty" yaml:"from,omitempty"`
	CheckKey     string `json:"checkKey,omitempty" yaml:"checkKey,omitempty"`
	ExistsValue  string `json:"existsValue,omitempty" yaml:"existsValue,omitempty"`
	MissingValue string `json:"missingValue,omitempty" yaml:"missingValue,omitempty"`
	// Checkpoint renames the key the node's result is stored under;
	// NoCheckpoint reruns the node on every retry.
	Checkpoint   string `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	NoCheckpoint bool   `json:"noCheckpoint,omitempty" yaml:"noCheckpoint,omitempty"`
}

type FileEdgeSpec struct {
	From string        `json:"from" yaml:"from"`
	To   string        `json:"to" yaml:"to"`
	When *FileEdgeWhen `json:"when,omitempty" yaml:"when,omitempty"`
}

type FileEdgeWhen struct {
	Key    string `json:"key" yaml:"key"`
	Equals string `json:"equals" yaml:"equals"`
}

type fileBuilder struct {
	spec FileSpec
}

// NewFileBuilderFromPath loads a workflow file. Files ending in .yaml or
// .yml are read as YAML, anything else as JSON.
func NewFileBuilderFromPath(path string) (Builder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("workflow file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workflow file path: %w", err)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %q: %w", abs, err)
	}
	var spec FileSpec
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &spec); err != nil {
			return nil, fmt.Errorf("failed to decode workflow file %q as YAML: %w", abs, err)
		}
	default:
		if err := json.Unmarshal(content, &spec); err != nil {
			return nil, fmt.Errorf("failed to decode workflow file %q as JSON: %w", abs, err)
		}
	}
	if strings.TrimSpace(spec.Name) == "" {
		base := filepath.Base(abs)
		spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if strings.TrimSpace(spec.Start) == "" {
		return nil, fmt.Errorf("workflow file %q missing start node", abs)
	}
	if len(spec.Nodes) == 0 {
		return nil, fmt.Errorf("workflow file %q has no nodes", abs)
	}
	return &fileBuilder{spec: spec}, nil
}

func (b *fileBuilder) Name() string {
	if b == nil {
		return ""
	}
	return strings.TrimSpace(b.spec.Name)
}

func (b *fileBuilder) Description() string {
	if b == nil {
		return ""
	}
	return strings.TrimSpace(b.spec.Description)
}

func (b *fileBuilder) NewExecutor(deps Deps) (*graph.Executor, error) {
	if b == nil {
		return nil, fmt.Errorf("file builder is nil")
	}

	g := graph.New(b.spec.Name).AllowCycles(b.spec.AllowCycles).MaxSteps(b.spec.MaxSteps)
	for _, nodeSpec := range b.spec.Nodes {
		node, err := buildNodeFromSpec(nodeSpec, deps)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", nodeSpec.ID, err)
		}
		var opts []graph.NodeOption
		if nodeSpec.Checkpoint != "" {
			opts = append(opts, graph.WithCheckpointKey(nodeSpec.Checkpoint))
		}
		if nodeSpec.NoCheckpoint {
			opts = append(opts, graph.WithoutCheckpoint())
		}
		g.AddNode(nodeSpec.ID, node, opts...)
	}
	g.SetStart(b.spec.Start)

	for _, edgeSpec := range b.spec.Edges {
		var condition graph.Condition
		if edgeSpec.When != nil {
			when := *edgeSpec.When
			condition = func(_ context.Context, s *graph.State) (bool, error) {
				return resolveToken(when.Key, s) == when.Equals, nil
			}
		}
		g.AddEdge(edgeSpec.From, edgeSpec.To, condition)
	}
	return graph.NewExecutor(g)
}

func buildNodeFromSpec(spec FileNodeSpec, deps Deps) (graph.Node, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	spec.Kind = strings.TrimSpace(spec.Kind)
	if spec.ID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if spec.Kind == "" {
		return nil, fmt.Errorf("node kind is required")
	}

	switch spec.Kind {
	case "noop":
		return graph.NewFuncNode(func(context.Context, *execute.ExecutionContext, *graph.State) error {
			return nil
		}), nil

	case "set":
		if strings.TrimSpace(spec.Key) == "" {
			return nil, fmt.Errorf("set node requires key")
		}
		key, value := spec.Key, spec.Value
		return graph.NewFuncNode(func(_ context.Context, _ *execute.ExecutionContext, s *graph.State) error {
			s.EnsureData()
			s.Data[key] = value
			return nil
		}), nil

	case "template":
		if strings.TrimSpace(spec.OutputKey) == "" {
			return nil, fmt.Errorf("template node requires outputKey")
		}
		tpl, outputKey := spec.Template, spec.OutputKey
		return graph.NewFuncNode(func(_ context.Context, ec *execute.ExecutionContext, s *graph.State) error {
			out, err := ec.Render(tpl, s.Vars())
			if err != nil {
				return err
			}
			s.EnsureData()
			s.Data[outputKey] = out
			return nil
		}), nil

	case "llm":
		if strings.TrimSpace(spec.Template) == "" {
			return nil, fmt.Errorf("llm node requires template")
		}
		client, err := deps.Client(spec.Model)
		if err != nil {
			return nil, err
		}
		return graph.Task(Complete(client, spec.Template), func(s *graph.State) (map[string]any, error) {
			return s.Vars(), nil
		}, strings.TrimSpace(spec.OutputKey)), nil

	case "output":
		from, tpl, value := strings.TrimSpace(spec.From), spec.Template, spec.Value
		return graph.NewFuncNode(func(_ context.Context, ec *execute.ExecutionContext, s *graph.State) error {
			s.EnsureData()
			switch {
			case from != "":
				s.Output = strings.TrimSpace(resolveToken(from, s))
			case strings.TrimSpace(tpl) != "":
				out, err := ec.Render(tpl, s.Vars())
				if err != nil {
					return err
				}
				s.Output = strings.TrimSpace(out)
			case value != nil:
				s.Output = strings.TrimSpace(stringify(value))
			}
			s.Data["output"] = s.Output
			return nil
		}), nil

	case "router_json_key":
		checkKey := strings.TrimSpace(spec.CheckKey)
		if checkKey == "" {
			return nil, fmt.Errorf("router_json_key node requires checkKey")
		}
		existsVal := spec.ExistsValue
		if existsVal == "" {
			existsVal = "true"
		}
		missingVal := spec.MissingValue
		if missingVal == "" {
			missingVal = "false"
		}
		router := graph.NewRouterNode(func(_ context.Context, s *graph.State) (string, error) {
			var obj map[string]any
			if err := json.Unmarshal([]byte(strings.TrimSpace(s.Input)), &obj); err == nil {
				if _, ok := obj[checkKey]; ok {
					return existsVal, nil
				}
			}
			return missingVal, nil
		})
		router.RouteKey = strings.TrimSpace(spec.Key)
		return router, nil
	}

	return nil, fmt.Errorf("unsupported node kind %q", spec.Kind)
}

// resolveToken reads input, output, data.<key> or a bare data key.
func resolveToken(token string, s *graph.State) string {
	token = strings.TrimSpace(token)
	if s == nil {
		return ""
	}
	switch token {
	case "input":
		return s.Input
	case "output":
		return s.Output
	}
	return stringify(s.Data[strings.TrimPrefix(token, "data.")])
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
