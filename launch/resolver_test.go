package launch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/execflow/state"
	"github.com/PipeOpsHQ/execflow/state/memory"
	"github.com/PipeOpsHQ/execflow/types"
)

func seedRuns(t *testing.T, runs state.RunsManager, workflowID string, n int) []state.RunRecord {
	t.Helper()
	out := make([]state.RunRecord, 0, n)
	for i := 0; i < n; i++ {
		run, err := runs.NewRun(context.Background(), workflowID, map[string]any{"seed": i})
		if err != nil {
			t.Fatalf("NewRun: %v", err)
		}
		out = append(out, run)
	}
	return out
}

func TestResolve_RetryCarriesReplayID(t *testing.T) {
	t.Parallel()
	store := memory.New()
	seeded := seedRuns(t, store, "wf", 3)

	got, err := Resolve(context.Background(), store, "wf", Retry{ReplayID: "r1", RunIndex: 3})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := state.RunInfo{RunIndex: 3, ReplayID: "r1", RunID: seeded[2].RunID, WorkflowID: "wf"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("run info mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_MissingRunIsRuntimeError(t *testing.T) {
	t.Parallel()
	store := memory.New()
	seedRuns(t, store, "wf", 1)

	strategies := []RetryStrategy{
		Retry{ReplayID: "r1", RunIndex: 3},
		RetryWithVariables{ReplayID: "r1", RunIndex: 7, Variables: map[string]any{"a": 1}},
	}
	for _, s := range strategies {
		_, err := Resolve(context.Background(), store, "wf", s)
		if !errors.Is(err, types.ErrRuntime) || !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("%s: expected runtime error wrapping not found, got %v", s, err)
		}
	}
	if _, err := Resolve(context.Background(), store, "empty", LastFailure{}); !errors.Is(err, types.ErrRuntime) {
		t.Fatalf("expected runtime error for workflow without runs, got %v", err)
	}
}

func TestResolve_NoRetryAlwaysCreatesRun(t *testing.T) {
	t.Parallel()
	store := memory.New()
	seen := map[string]bool{}
	for i := 1; i <= 3; i++ {
		info, err := Resolve(context.Background(), store, "wf", NoRetry{Variables: map[string]any{"i": i}})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if info.RunIndex != i || seen[info.RunID] || info.ReplayID != "" {
			t.Fatalf("expected a fresh run %d, got %+v", i, info)
		}
		seen[info.RunID] = true
	}
	run, err := store.FindRun(context.Background(), "wf", 2)
	if err != nil {
		t.Fatalf("FindRun: %v", err)
	}
	if run.Variables["i"] != 2 {
		t.Fatalf("expected variables to be stored, got %#v", run.Variables)
	}
}

func TestResolve_RetryWithVariablesMergesFirst(t *testing.T) {
	t.Parallel()
	store := memory.New()
	seedRuns(t, store, "wf", 2)

	info, err := Resolve(context.Background(), store, "wf", RetryWithVariables{ReplayID: "map", RunIndex: 1, Variables: map[string]any{"region": "eu"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if info.RunIndex != 1 || info.ReplayID != "map" {
		t.Fatalf("unexpected run info %+v", info)
	}
	run, _ := store.FindRun(context.Background(), "wf", 1)
	want := map[string]any{"seed": 0, "region": "eu"}
	if diff := cmp.Diff(want, run.Variables); diff != "" {
		t.Fatalf("variables mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_LastFailurePicksHighestIndex(t *testing.T) {
	t.Parallel()
	store := memory.New()
	seeded := seedRuns(t, store, "wf", 3)
	if err := store.SaveRunStatus(context.Background(), state.StatusUpdate{RunID: seeded[2].RunID, Status: state.RunCompleted}); err != nil {
		t.Fatalf("SaveRunStatus: %v", err)
	}

	info, err := Resolve(context.Background(), store, "wf", LastFailure{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if info.RunIndex != 3 {
		t.Fatalf("expected the most recent run regardless of status, got %d", info.RunIndex)
	}
}

func TestResolve_PreviewFailsFast(t *testing.T) {
	t.Parallel()
	store := memory.New()
	_, err := Resolve(context.Background(), store, "wf", Preview{})
	if !errors.Is(err, types.ErrNotImplemented) || !errors.Is(err, types.ErrRuntime) {
		t.Fatalf("expected not implemented, got %v", err)
	}
	runs, _ := store.ListRuns(context.Background(), state.ListRunsQuery{WorkflowID: "wf"})
	if len(runs) != 0 {
		t.Fatalf("preview must not create runs, got %d", len(runs))
	}
}

func TestResolve_Arguments(t *testing.T) {
	t.Parallel()
	store := memory.New()
	if _, err := Resolve(context.Background(), nil, "wf", NoRetry{}); !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := Resolve(context.Background(), store, " ", NoRetry{}); !errors.Is(err, types.ErrArgument) {
		t.Fatalf("expected argument error, got %v", err)
	}
	if _, err := Resolve(context.Background(), store, "wf", Retry{RunIndex: 0}); !errors.Is(err, types.ErrArgument) {
		t.Fatalf("expected argument error, got %v", err)
	}
}
