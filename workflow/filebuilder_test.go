package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/llm"
	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/types"
)

func echoModels(t *testing.T) *llm.Registry {
	t.Helper()
	reg := llm.NewRegistry(nil)
	if err := reg.Register("echo", llm.ClientFunc(func(_ context.Context, prompt string) (string, error) {
		return "model:" + prompt, nil
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.SetDefault("echo")
	return reg
}

func newContext(t *testing.T) *execute.ExecutionContext {
	t.Helper()
	ec := execute.NewContext(observe.NewSource(observe.SourceWorkflow), observe.NewTracker(observe.NewRecorder()))
	if err := ec.Start(context.Background(), "root", nil); err != nil {
		t.Fatalf("failed to start root: %v", err)
	}
	return ec
}

func writeSpec(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write spec failed: %v", err)
	}
	return path
}

func TestNewFileBuilderFromPath_RunBasicFlow(t *testing.T) {
	path := writeSpec(t, "wf.json", `{
	  "name": "json-basic",
	  "start": "prep",
	  "nodes": [
	    {"id":"prep","kind":"template","template":"Q={{{input}}}","outputKey":"prompt"},
	    {"id":"ask","kind":"llm","template":"{{{data.prompt}}}","outputKey":"answer"},
	    {"id":"end","kind":"output","from":"answer"}
	  ],
	  "edges": [
	    {"from":"prep","to":"ask"},
	    {"from":"ask","to":"end"}
	  ]
	}`)

	builder, err := NewFileBuilderFromPath(path)
	if err != nil {
		t.Fatalf("NewFileBuilderFromPath failed: %v", err)
	}
	exec, err := builder.NewExecutor(Deps{Models: echoModels(t)})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	res, err := exec.Execute(context.Background(), newContext(t), "hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Output != "model:Q=hello" {
		t.Fatalf("unexpected output: %q", res.Output)
	}
	if diff := cmp.Diff([]string{"prep", "ask", "end"}, res.Trace); diff != "" {
		t.Fatalf("unexpected node trace (-want +got):\n%s", diff)
	}
}

func TestNewFileBuilderFromPath_ConditionalEdgeYAML(t *testing.T) {
	path := writeSpec(t, "wf-cond.yaml", `
name: yaml-route
start: route
nodes:
  - id: route
    kind: router_json_key
    checkKey: Results
    key: route
    existsValue: trivy
    missingValue: logs
  - id: trivy
    kind: output
    value: trivy-path
  - id: logs
    kind: output
    value: logs-path
edges:
  - from: route
    to: trivy
    when: {key: route, equals: trivy}
  - from: route
    to: logs
    when: {key: route, equals: logs}
`)

	builder, err := NewFileBuilderFromPath(path)
	if err != nil {
		t.Fatalf("NewFileBuilderFromPath failed: %v", err)
	}
	if builder.Name() != "yaml-route" {
		t.Fatalf("unexpected name %q", builder.Name())
	}
	exec, err := builder.NewExecutor(Deps{})
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}

	for input, want := range map[string]string{`{"Results":[]}`: "trivy-path", "not-json": "logs-path"} {
		res, err := exec.Execute(context.Background(), newContext(t), input)
		if err != nil {
			t.Fatalf("Run %q failed: %v", input, err)
		}
		if res.Output != want {
			t.Fatalf("input %q: got %q, want %q", input, res.Output, want)
		}
	}
}

func TestNewFileBuilderFromPath_Errors(t *testing.T) {
	if _, err := NewFileBuilderFromPath(writeSpec(t, "x.json", `{"nodes":[{"id":"a","kind":"noop"}]}`)); err == nil || !strings.Contains(err.Error(), "missing start") {
		t.Fatalf("expected missing start error, got %v", err)
	}

	builder, err := NewFileBuilderFromPath(writeSpec(t, "y.json", `{"start":"a","nodes":[{"id":"a","kind":"llm","template":"hi"}]}`))
	if err != nil {
		t.Fatalf("NewFileBuilderFromPath failed: %v", err)
	}
	if _, err := builder.NewExecutor(Deps{}); !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected configuration error without models, got %v", err)
	}

	builder, _ = NewFileBuilderFromPath(writeSpec(t, "z.json", `{"start":"a","nodes":[{"id":"a","kind":"shell"}]}`))
	if _, err := builder.NewExecutor(Deps{}); err == nil || !strings.Contains(err.Error(), `unsupported node kind "shell"`) {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}

	builder, _ = NewFileBuilderFromPath(writeSpec(t, "keys.yaml", `name: keys
start: a
nodes:
  - {id: a, kind: noop, checkpoint: b}
  - {id: b, kind: noop}
edges:
  - {from: a, to: b}
`))
	if _, err := builder.NewExecutor(Deps{}); !errors.Is(err, types.ErrConfiguration) || !strings.Contains(err.Error(), `share checkpoint key "b"`) {
		t.Fatalf("expected shared checkpoint key error, got %v", err)
	}

	builder, _ = NewFileBuilderFromPath(writeSpec(t, "nokeys.yaml", `name: nokeys
start: a
nodes:
  - {id: a, kind: noop, checkpoint: b, noCheckpoint: true}
  - {id: b, kind: noop}
edges:
  - {from: a, to: b}
`))
	if _, err := builder.NewExecutor(Deps{}); err != nil {
		t.Fatalf("a node without checkpoints frees its key, got %v", err)
	}
}
