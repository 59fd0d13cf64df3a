package state

import (
	"encoding/json"
	"time"

	"github.com/PipeOpsHQ/execflow/types"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is one persisted run of a workflow. RunIndex is assigned by the
// store and increases by one per workflow.
type RunRecord struct {
	RunID       string         `json:"runId"`
	WorkflowID  string         `json:"workflowId"`
	RunIndex    int            `json:"runIndex"`
	Status      RunStatus      `json:"status"`
	Variables   map[string]any `json:"variables,omitempty"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Usage       *types.Usage   `json:"usage,omitempty"`
	Attempts    int            `json:"attempts"`
	CreatedAt   *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time     `json:"updatedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

func (r RunRecord) Info() RunInfo {
	return RunInfo{RunIndex: r.RunIndex, RunID: r.RunID, WorkflowID: r.WorkflowID}
}

// RunInfo identifies the run being executed. ReplayID is set when the run
// replays an earlier attempt from a given checkpoint key.
type RunInfo struct {
	RunIndex   int    `json:"runIndex"`
	ReplayID   string `json:"replayId,omitempty"`
	RunID      string `json:"runId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
}

// StatusUpdate records the outcome of an attempt.
type StatusUpdate struct {
	RunID  string
	Status RunStatus
	Output string
	Error  string
	Usage  *types.Usage
}

// CheckpointRecord is the stored result of one checkpointed step. Seq is the
// order in which keys were first stored within the run and is kept when a
// key is overwritten.
type CheckpointRecord struct {
	RunID     string          `json:"runId"`
	Key       string          `json:"key"`
	Seq       int             `json:"seq"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
}

func cloneVariables(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MergeVariables returns base overlaid with updates.
func MergeVariables(base, updates map[string]any) map[string]any {
	out := cloneVariables(base)
	for k, v := range updates {
		out[k] = v
	}
	return out
}

// ApplyStatus copies update onto run. Running starts a new attempt and
// clears the previous outcome.
func ApplyStatus(run RunRecord, update StatusUpdate, now time.Time) RunRecord {
	run.Status = update.Status
	run.UpdatedAt = &now
	switch update.Status {
	case RunRunning:
		run.Attempts++
		run.Error = ""
		run.CompletedAt = nil
	case RunCompleted, RunFailed:
		run.CompletedAt = &now
		run.Output = update.Output
		run.Error = update.Error
	}
	if update.Usage != nil {
		usage := *update.Usage
		run.Usage = &usage
	}
	return run
}
