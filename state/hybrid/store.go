// Package hybrid pairs a durable state.Store with a run cache. The durable
// store owns run indexes and checkpoints; the cache only serves LoadRun.
package hybrid

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/execflow/state"
)

// Cache holds copies of run records keyed by run id.
type Cache interface {
	PutRun(ctx context.Context, run state.RunRecord) error
	GetRun(ctx context.Context, runID string) (state.RunRecord, error)
	Close() error
}

type HybridStore struct {
	durable state.Store
	cache   Cache
	logger  *zap.Logger
}

type Option func(*HybridStore)

func WithLogger(logger *zap.Logger) Option {
	return func(h *HybridStore) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func New(durable state.Store, cache Cache, opts ...Option) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	h := &HybridStore{
		durable: durable,
		cache:   cache,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HybridStore) put(ctx context.Context, run state.RunRecord, op string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.PutRun(ctx, run); err != nil {
		h.logger.Warn("hybrid store cache write failed",
			zap.String("op", op),
			zap.String("run_id", run.RunID),
			zap.Error(err))
	}
}

// refresh reloads runID from the durable store into the cache.
func (h *HybridStore) refresh(ctx context.Context, runID, op string) {
	if h.cache == nil {
		return
	}
	run, err := h.durable.LoadRun(ctx, runID)
	if err != nil {
		h.logger.Warn("hybrid store refresh failed", zap.String("op", op), zap.String("run_id", runID), zap.Error(err))
		return
	}
	h.put(ctx, run, op)
}

func (h *HybridStore) NewRun(ctx context.Context, workflowID string, variables map[string]any) (state.RunRecord, error) {
	run, err := h.durable.NewRun(ctx, workflowID, variables)
	if err != nil {
		return state.RunRecord{}, err
	}
	h.put(ctx, run, "NewRun")
	return run, nil
}

func (h *HybridStore) FindRun(ctx context.Context, workflowID string, runIndex int) (state.RunRecord, error) {
	return h.durable.FindRun(ctx, workflowID, runIndex)
}

func (h *HybridStore) LastRun(ctx context.Context, workflowID string) (state.RunRecord, error) {
	return h.durable.LastRun(ctx, workflowID)
}

func (h *HybridStore) UpdateRunVariables(ctx context.Context, workflowID string, runIndex int, variables map[string]any) error {
	if err := h.durable.UpdateRunVariables(ctx, workflowID, runIndex, variables); err != nil {
		return err
	}
	if h.cache != nil {
		run, err := h.durable.FindRun(ctx, workflowID, runIndex)
		if err == nil {
			h.put(ctx, run, "UpdateRunVariables")
		}
	}
	return nil
}

func (h *HybridStore) LoadRun(ctx context.Context, runID string) (state.RunRecord, error) {
	if h.cache != nil {
		run, err := h.cache.GetRun(ctx, runID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			h.logger.Warn("hybrid store cache read failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	run, err := h.durable.LoadRun(ctx, runID)
	if err != nil {
		return state.RunRecord{}, err
	}
	h.put(ctx, run, "backfill")
	return run, nil
}

func (h *HybridStore) ListRuns(ctx context.Context, query state.ListRunsQuery) ([]state.RunRecord, error) {
	return h.durable.ListRuns(ctx, query)
}

func (h *HybridStore) SaveRunStatus(ctx context.Context, update state.StatusUpdate) error {
	if err := h.durable.SaveRunStatus(ctx, update); err != nil {
		return err
	}
	h.refresh(ctx, update.RunID, "SaveRunStatus")
	return nil
}

func (h *HybridStore) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) (state.CheckpointRecord, error) {
	return h.durable.SaveCheckpoint(ctx, checkpoint)
}

func (h *HybridStore) LoadCheckpoint(ctx context.Context, runID, key string) (state.CheckpointRecord, error) {
	return h.durable.LoadCheckpoint(ctx, runID, key)
}

func (h *HybridStore) ListCheckpoints(ctx context.Context, runID string, limit int) ([]state.CheckpointRecord, error) {
	return h.durable.ListCheckpoints(ctx, runID, limit)
}

func (h *HybridStore) Close() error {
	var errs []error
	if err := h.durable.Close(); err != nil {
		errs = append(errs, err)
	}
	if h.cache != nil {
		if err := h.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
