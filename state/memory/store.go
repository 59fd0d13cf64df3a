// Package memory is an in-process state.Store, used by tests and one-off
// CLI runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/execflow/state"
)

const defaultLimit = 50

type Store struct {
	mu          sync.Mutex
	runs        map[string]state.RunRecord
	byIndex     map[string]map[int]string
	checkpoints map[string]map[string]state.CheckpointRecord
}

func New() *Store {
	return &Store{
		runs:        map[string]state.RunRecord{},
		byIndex:     map[string]map[int]string{},
		checkpoints: map[string]map[string]state.CheckpointRecord{},
	}
}

func (s *Store) NewRun(ctx context.Context, workflowID string, variables map[string]any) (state.RunRecord, error) {
	_ = ctx
	if strings.TrimSpace(workflowID) == "" {
		return state.RunRecord{}, fmt.Errorf("workflow_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	indexes := s.byIndex[workflowID]
	if indexes == nil {
		indexes = map[int]string{}
		s.byIndex[workflowID] = indexes
	}
	next := 1
	for idx := range indexes {
		if idx >= next {
			next = idx + 1
		}
	}
	now := time.Now().UTC()
	run := state.RunRecord{
		RunID:      uuid.NewString(),
		WorkflowID: workflowID,
		RunIndex:   next,
		Status:     state.RunPending,
		Variables:  state.MergeVariables(nil, variables),
		CreatedAt:  &now,
		UpdatedAt:  &now,
	}
	indexes[next] = run.RunID
	s.runs[run.RunID] = run
	return run, nil
}

func (s *Store) FindRun(ctx context.Context, workflowID string, runIndex int) (state.RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIndex[workflowID][runIndex]
	if !ok {
		return state.RunRecord{}, state.ErrNotFound
	}
	return s.runs[id], nil
}

func (s *Store) LastRun(ctx context.Context, workflowID string) (state.RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	best := 0
	for idx := range s.byIndex[workflowID] {
		if idx > best {
			best = idx
		}
	}
	if best == 0 {
		return state.RunRecord{}, state.ErrNotFound
	}
	return s.runs[s.byIndex[workflowID][best]], nil
}

func (s *Store) UpdateRunVariables(ctx context.Context, workflowID string, runIndex int, variables map[string]any) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIndex[workflowID][runIndex]
	if !ok {
		return state.ErrNotFound
	}
	run := s.runs[id]
	run.Variables = state.MergeVariables(run.Variables, variables)
	now := time.Now().UTC()
	run.UpdatedAt = &now
	s.runs[id] = run
	return nil
}

func (s *Store) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return state.RunRecord{}, state.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs ordered by workflow, then by descending index.
func (s *Store) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if query.WorkflowID != "" && run.WorkflowID != query.WorkflowID {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkflowID != out[j].WorkflowID {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].RunIndex > out[j].RunIndex
	})
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []state.RunRecord{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveRunStatus(ctx context.Context, update state.StatusUpdate) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[update.RunID]
	if !ok {
		return state.ErrNotFound
	}
	s.runs[update.RunID] = state.ApplyStatus(run, update, time.Now().UTC())
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) (state.CheckpointRecord, error) {
	_ = ctx
	if checkpoint.RunID == "" || checkpoint.Key == "" {
		return state.CheckpointRecord{}, fmt.Errorf("run_id and key are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.checkpoints[checkpoint.RunID]
	if byKey == nil {
		byKey = map[string]state.CheckpointRecord{}
		s.checkpoints[checkpoint.RunID] = byKey
	}
	if existing, ok := byKey[checkpoint.Key]; ok {
		checkpoint.Seq = existing.Seq
	} else {
		checkpoint.Seq = len(byKey) + 1
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}
	byKey[checkpoint.Key] = checkpoint
	return checkpoint, nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, runID, key string) (state.CheckpointRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[runID][key]
	if !ok {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	return cp, nil
}

// ListCheckpoints returns checkpoints in ascending Seq order.
func (s *Store) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.CheckpointRecord, 0, len(s.checkpoints[runID]))
	for _, cp := range s.checkpoints[runID] {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
