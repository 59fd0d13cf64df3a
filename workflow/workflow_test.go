package workflow_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	_ "github.com/PipeOpsHQ/execflow/graphs/basic"
	_ "github.com/PipeOpsHQ/execflow/graphs/chain"
	_ "github.com/PipeOpsHQ/execflow/graphs/mapreduce"
	_ "github.com/PipeOpsHQ/execflow/graphs/router"
	"github.com/PipeOpsHQ/execflow/workflow"
)

func TestBuiltInWorkflowsRegistered(t *testing.T) {
	if diff := cmp.Diff([]string{"basic", "chain", "map-reduce", "router"}, workflow.Names()); diff != "" {
		t.Fatalf("registered workflows mismatch (-want +got):\n%s", diff)
	}
	if _, ok := workflow.Get("basic"); !ok {
		t.Fatalf("expected basic workflow")
	}
	if err := workflow.Register(nil); err == nil {
		t.Fatal("expected nil builder to be rejected")
	}
}
