package chain

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/llm"
	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/workflow"
)

type scriptedModel struct {
	mu      sync.Mutex
	prompts []string
}

func (m *scriptedModel) SimpleRequest(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	switch {
	case strings.HasPrefix(prompt, "Analyze"):
		return "needs a list", nil
	case strings.HasPrefix(prompt, "Based on this analysis"):
		return "1. list things", nil
	default:
		return "  - thing one\n  - thing two  ", nil
	}
}

func TestChainFeedsEachStepIntoTheNext(t *testing.T) {
	model := &scriptedModel{}
	reg := llm.NewRegistry(nil)
	_ = reg.Register("m", model)
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
	st, err := exec.Execute(context.Background(), ec, "make a list")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if st.Output != "- thing one\n  - thing two" {
		t.Fatalf("unexpected output %q", st.Output)
	}
	if diff := cmp.Diff([]string{"analyze", "plan", "execute"}, st.Trace); diff != "" {
		t.Fatalf("trace mismatch (-want +got):\n%s", diff)
	}
	if len(model.prompts) != 3 {
		t.Fatalf("expected 3 prompts, got %d", len(model.prompts))
	}
	if !strings.Contains(model.prompts[1], "Analysis: needs a list") || !strings.Contains(model.prompts[2], "Plan: 1. list things") {
		t.Fatalf("steps were not chained:\n%s", strings.Join(model.prompts, "\n---\n"))
	}
	if got := len(rec.OfType(observe.EventStarted)); got != 4 {
		t.Fatalf("expected the root and 3 task sources, got %d", got)
	}
}
