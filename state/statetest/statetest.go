// Package statetest holds the behaviour every state.Store backend must share.
package statetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/PipeOpsHQ/execflow/state"
	"github.com/PipeOpsHQ/execflow/types"
)

// Run exercises s through the RunsManager and checkpoint contracts. Each
// subtest uses its own workflow id so one store can serve them all.
func Run(t *testing.T, s state.Store) {
	t.Helper()

	t.Run("NewRunAssignsIncreasingIndexes", func(t *testing.T) {
		ctx := context.Background()
		wf := workflowID()
		first, err := s.NewRun(ctx, wf, map[string]any{"n": "1"})
		if err != nil {
			t.Fatalf("NewRun failed: %v", err)
		}
		second, err := s.NewRun(ctx, wf, nil)
		if err != nil {
			t.Fatalf("NewRun failed: %v", err)
		}
		if first.RunIndex != 1 || second.RunIndex != 2 {
			t.Fatalf("expected indexes 1 and 2, got %d and %d", first.RunIndex, second.RunIndex)
		}
		if first.RunID == second.RunID {
			t.Fatalf("expected distinct run ids, got %q twice", first.RunID)
		}
		if first.Status != state.RunPending {
			t.Fatalf("expected pending status, got %q", first.Status)
		}
		other, err := s.NewRun(ctx, workflowID(), nil)
		if err != nil {
			t.Fatalf("NewRun failed: %v", err)
		}
		if other.RunIndex != 1 {
			t.Fatalf("expected index 1 for a fresh workflow, got %d", other.RunIndex)
		}
	})

	t.Run("ConcurrentNewRunNeverSharesIndex", func(t *testing.T) {
		ctx := context.Background()
		wf := workflowID()
		const n = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			indexes = map[int]bool{}
			errs    []error
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				run, err := s.NewRun(ctx, wf, nil)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				indexes[run.RunIndex] = true
			}()
		}
		wg.Wait()
		if len(errs) > 0 {
			t.Fatalf("NewRun failed: %v", errors.Join(errs...))
		}
		for i := 1; i <= n; i++ {
			if !indexes[i] {
				t.Fatalf("index %d missing from %v", i, indexes)
			}
		}
	})

	t.Run("FindAndLastRun", func(t *testing.T) {
		ctx := context.Background()
		wf := workflowID()
		if _, err := s.LastRun(ctx, wf); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for empty workflow, got %v", err)
		}
		created := make([]state.RunRecord, 3)
		for i := range created {
			run, err := s.NewRun(ctx, wf, map[string]any{"i": fmt.Sprint(i)})
			if err != nil {
				t.Fatalf("NewRun failed: %v", err)
			}
			created[i] = run
		}
		if err := s.SaveRunStatus(ctx, state.StatusUpdate{RunID: created[2].RunID, Status: state.RunCompleted, Output: "ok"}); err != nil {
			t.Fatalf("SaveRunStatus failed: %v", err)
		}

		got, err := s.FindRun(ctx, wf, 2)
		if err != nil {
			t.Fatalf("FindRun failed: %v", err)
		}
		if got.RunID != created[1].RunID {
			t.Fatalf("FindRun returned %q, want %q", got.RunID, created[1].RunID)
		}
		if _, err := s.FindRun(ctx, wf, 9); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing index, got %v", err)
		}

		last, err := s.LastRun(ctx, wf)
		if err != nil {
			t.Fatalf("LastRun failed: %v", err)
		}
		if last.RunIndex != 3 || last.Status != state.RunCompleted {
			t.Fatalf("unexpected last run: %#v", last)
		}
	})

	t.Run("UpdateRunVariablesMerges", func(t *testing.T) {
		ctx := context.Background()
		wf := workflowID()
		run, err := s.NewRun(ctx, wf, map[string]any{"a": "1", "b": "2"})
		if err != nil {
			t.Fatalf("NewRun failed: %v", err)
		}
		if err := s.UpdateRunVariables(ctx, wf, run.RunIndex, map[string]any{"b": "3", "c": "4"}); err != nil {
			t.Fatalf("UpdateRunVariables failed: %v", err)
		}
		got, err := s.LoadRun(ctx, run.RunID)
		if err != nil {
			t.Fatalf("LoadRun failed: %v", err)
		}
		want := map[string]any{"a": "1", "b": "3", "c": "4"}
		if diff := cmp.Diff(want, got.Variables); diff != "" {
			t.Fatalf("variables mismatch (-want +got):\n%s", diff)
		}
		if err := s.UpdateRunVariables(ctx, wf, 42, map[string]any{"x": "y"}); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveRunStatusTracksAttempts", func(t *testing.T) {
		ctx := context.Background()
		run, err := s.NewRun(ctx, workflowID(), nil)
		if err != nil {
			t.Fatalf("NewRun failed: %v", err)
		}
		usage := &types.Usage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7}
		steps := []state.StatusUpdate{
			{RunID: run.RunID, Status: state.RunRunning},
			{RunID: run.RunID, Status: state.RunFailed, Error: "boom"},
			{RunID: run.RunID, Status: state.RunRunning},
			{RunID: run.RunID, Status: state.RunCompleted, Output: "done", Usage: usage},
		}
		for _, step := range steps {
			if err := s.SaveRunStatus(ctx, step); err != nil {
				t.Fatalf("SaveRunStatus(%s) failed: %v", step.Status, err)
			}
		}
		got, err := s.LoadRun(ctx, run.RunID)
		if err != nil {
			t.Fatalf("LoadRun failed: %v", err)
		}
		if got.Attempts != 2 || got.Status != state.RunCompleted || got.Output != "done" || got.Error != "" {
			t.Fatalf("unexpected run after attempts: %#v", got)
		}
		if got.CompletedAt == nil {
			t.Fatalf("expected completed_at to be set")
		}
		if got.Usage == nil || got.Usage.TotalTokens != 7 {
			t.Fatalf("unexpected usage: %#v", got.Usage)
		}
		if err := s.SaveRunStatus(ctx, state.StatusUpdate{RunID: uuid.NewString(), Status: state.RunRunning}); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown run, got %v", err)
		}
	})

	t.Run("ListRunsFilters", func(t *testing.T) {
		ctx := context.Background()
		wf := workflowID()
		for i := 0; i < 3; i++ {
			run, err := s.NewRun(ctx, wf, nil)
			if err != nil {
				t.Fatalf("NewRun failed: %v", err)
			}
			if i == 1 {
				if err := s.SaveRunStatus(ctx, state.StatusUpdate{RunID: run.RunID, Status: state.RunFailed, Error: "x"}); err != nil {
					t.Fatalf("SaveRunStatus failed: %v", err)
				}
			}
		}
		runs, err := s.ListRuns(ctx, state.ListRunsQuery{WorkflowID: wf})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		var indexes []int
		for _, run := range runs {
			indexes = append(indexes, run.RunIndex)
		}
		if diff := cmp.Diff([]int{3, 2, 1}, indexes); diff != "" {
			t.Fatalf("unexpected order (-want +got):\n%s", diff)
		}
		failed, err := s.ListRuns(ctx, state.ListRunsQuery{WorkflowID: wf, Status: state.RunFailed})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(failed) != 1 || failed[0].RunIndex != 2 {
			t.Fatalf("unexpected failed runs: %#v", failed)
		}
		page, err := s.ListRuns(ctx, state.ListRunsQuery{WorkflowID: wf, Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(page) != 1 || page[0].RunIndex != 2 {
			t.Fatalf("unexpected page: %#v", page)
		}
	})

	t.Run("CheckpointSeqSurvivesOverwrite", func(t *testing.T) {
		ctx := context.Background()
		run, err := s.NewRun(ctx, workflowID(), nil)
		if err != nil {
			t.Fatalf("NewRun failed: %v", err)
		}
		for _, key := range []string{"split", "map", "reduce"} {
			if _, err := s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: run.RunID, Key: key, Value: json.RawMessage(`"` + key + `"`)}); err != nil {
				t.Fatalf("SaveCheckpoint(%s) failed: %v", key, err)
			}
		}
		updated, err := s.SaveCheckpoint(ctx, state.CheckpointRecord{RunID: run.RunID, Key: "split", Value: json.RawMessage(`"again"`)})
		if err != nil {
			t.Fatalf("SaveCheckpoint overwrite failed: %v", err)
		}
		if updated.Seq != 1 {
			t.Fatalf("expected overwrite to keep seq 1, got %d", updated.Seq)
		}

		got, err := s.LoadCheckpoint(ctx, run.RunID, "split")
		if err != nil {
			t.Fatalf("LoadCheckpoint failed: %v", err)
		}
		if string(got.Value) != `"again"` || got.Seq != 1 {
			t.Fatalf("unexpected checkpoint: %#v", got)
		}
		if _, err := s.LoadCheckpoint(ctx, run.RunID, "missing"); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		list, err := s.ListCheckpoints(ctx, run.RunID, 10)
		if err != nil {
			t.Fatalf("ListCheckpoints failed: %v", err)
		}
		var keys []string
		for _, cp := range list {
			keys = append(keys, cp.Key)
		}
		if diff := cmp.Diff([]string{"split", "map", "reduce"}, keys); diff != "" {
			t.Fatalf("unexpected checkpoint order (-want +got):\n%s", diff)
		}
	})
}

func workflowID() string {
	return "wf-" + uuid.NewString()
}
