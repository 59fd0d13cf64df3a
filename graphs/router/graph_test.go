package router

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/llm"
	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/workflow"
)

func TestCategorize(t *testing.T) {
	tests := map[string]string{
		"code":          "code",
		" Data.\n":      "data",
		"Category: OPS": "ops",
		"writing":       "writing",
		"poetry":        "general",
		"":              "general",
	}
	for in, want := range tests {
		if got := Categorize(in); got != want {
			t.Fatalf("Categorize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRouterDispatchesToHandler(t *testing.T) {
	reg := llm.NewRegistry(nil)
	_ = reg.Register("m", llm.ClientFunc(func(_ context.Context, prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Classify") {
			return "Code", nil
		}
		return strings.SplitN(prompt, ".", 2)[0], nil
	}))
	reg.SetDefault("m")

	exec, err := NewExecutor(workflow.Deps{Models: reg})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	rec := observe.NewRecorder()
	ec := execute.NewContext(observe.NewSource(observe.SourceWorkflow), observe.NewTracker(rec))
	if err := ec.Start(context.Background(), Name, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := exec.Execute(context.Background(), ec, "fix my loop")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if diff := cmp.Diff([]string{"classify", "route", "handle_code"}, st.Trace); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}
	if st.Output != "You are an expert software engineer" {
		t.Fatalf("unexpected output %q", st.Output)
	}

	var routed []any
	for _, e := range rec.OfType(observe.EventSetMetadata) {
		routed = append(routed, e.Kind.(observe.SetMetadata).Attributes["route"])
	}
	if diff := cmp.Diff([]any{"code"}, routed); diff != "" {
		t.Fatalf("route metadata mismatch (-want +got):\n%s", diff)
	}
}
