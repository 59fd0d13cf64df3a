package state

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

type ListRunsQuery struct {
	WorkflowID string
	Status     RunStatus
	Limit      int
	Offset     int
}

// RunsManager is the run bookkeeping the run resolver depends on.
type RunsManager interface {
	// FindRun returns the run with index runIndex, or ErrNotFound.
	FindRun(ctx context.Context, workflowID string, runIndex int) (RunRecord, error)
	// LastRun returns the run with the highest index regardless of status.
	LastRun(ctx context.Context, workflowID string) (RunRecord, error)
	// NewRun allocates the next run index and stores a pending record.
	NewRun(ctx context.Context, workflowID string, variables map[string]any) (RunRecord, error)
	// UpdateRunVariables merges variables into an existing run.
	UpdateRunVariables(ctx context.Context, workflowID string, runIndex int, variables map[string]any) error
}

type Store interface {
	RunsManager

	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)
	SaveRunStatus(ctx context.Context, update StatusUpdate) error

	// SaveCheckpoint upserts by (RunID, Key), assigning Seq on first insert.
	SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) (CheckpointRecord, error)
	LoadCheckpoint(ctx context.Context, runID, key string) (CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, runID string, limit int) ([]CheckpointRecord, error)

	Close() error
}
