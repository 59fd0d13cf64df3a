package launch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/execflow/state"
	"github.com/PipeOpsHQ/execflow/types"
)

// Resolve turns strategy into the RunInfo of the run to execute. Lookup
// misses are runtime errors wrapping state.ErrNotFound.
func Resolve(ctx context.Context, runs state.RunsManager, workflowID string, strategy RetryStrategy) (state.RunInfo, error) {
	if runs == nil {
		return state.RunInfo{}, types.ConfigurationError("run resolver needs a runs manager")
	}
	if strings.TrimSpace(workflowID) == "" {
		return state.RunInfo{}, types.ArgumentError("workflow id is required")
	}
	if strategy == nil {
		strategy = NoRetry{}
	}

	switch s := strategy.(type) {
	case NoRetry:
		run, err := runs.NewRun(ctx, workflowID, s.Variables)
		if err != nil {
			return state.RunInfo{}, fmt.Errorf("create run for %q: %w", workflowID, err)
		}
		return run.Info(), nil

	case Retry:
		return findRun(ctx, runs, workflowID, s.RunIndex, s.ReplayID)

	case RetryWithVariables:
		if s.RunIndex < 1 {
			return state.RunInfo{}, types.ArgumentError("run index must be at least 1, got %d", s.RunIndex)
		}
		if err := runs.UpdateRunVariables(ctx, workflowID, s.RunIndex, s.Variables); err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return state.RunInfo{}, types.RuntimeError("run %d of workflow %q: %w", s.RunIndex, workflowID, err)
			}
			return state.RunInfo{}, fmt.Errorf("update variables of run %d: %w", s.RunIndex, err)
		}
		return findRun(ctx, runs, workflowID, s.RunIndex, s.ReplayID)

	case LastFailure:
		run, err := runs.LastRun(ctx, workflowID)
		if errors.Is(err, state.ErrNotFound) {
			return state.RunInfo{}, types.RuntimeError("workflow %q has no runs to retry: %w", workflowID, err)
		}
		if err != nil {
			return state.RunInfo{}, fmt.Errorf("last run of %q: %w", workflowID, err)
		}
		return run.Info(), nil

	case Preview:
		return state.RunInfo{}, types.ErrNotImplemented

	default:
		return state.RunInfo{}, types.ArgumentError("unknown retry strategy %T", strategy)
	}
}

func findRun(ctx context.Context, runs state.RunsManager, workflowID string, runIndex int, replayID string) (state.RunInfo, error) {
	if runIndex < 1 {
		return state.RunInfo{}, types.ArgumentError("run index must be at least 1, got %d", runIndex)
	}
	run, err := runs.FindRun(ctx, workflowID, runIndex)
	if errors.Is(err, state.ErrNotFound) {
		return state.RunInfo{}, types.RuntimeError("run %d of workflow %q: %w", runIndex, workflowID, err)
	}
	if err != nil {
		return state.RunInfo{}, fmt.Errorf("find run %d of %q: %w", runIndex, workflowID, err)
	}
	info := run.Info()
	info.ReplayID = replayID
	return info, nil
}
