package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/execflow/state"
)

// CheckpointStore is the part of state.Store a Checkpoint needs.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) (state.CheckpointRecord, error)
	LoadCheckpoint(ctx context.Context, runID, key string) (state.CheckpointRecord, error)
}

// Checkpoint implements execute.Checkpoint on a CheckpointStore for one run.
//
// Without a replay id every stored key is reused. With one, only keys first
// stored before the replay key are reused, so the replay key and everything
// after it run again. A replay key the run never stored reuses nothing.
type Checkpoint struct {
	store    CheckpointStore
	runID    string
	replayID string
	logger   *zap.Logger

	mu       sync.Mutex
	resolved bool
	limit    int
}

func NewCheckpoint(store CheckpointStore, info state.RunInfo, logger *zap.Logger) *Checkpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpoint{store: store, runID: info.RunID, replayID: info.ReplayID, logger: logger}
}

func (c *Checkpoint) Lookup(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if c == nil || c.store == nil || c.runID == "" {
		return nil, false, nil
	}
	rec, err := c.store.LoadCheckpoint(ctx, c.runID, key)
	if errors.Is(err, state.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	limit, err := c.replayLimit(ctx)
	if err != nil {
		return nil, false, err
	}
	if limit >= 0 && rec.Seq >= limit {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

func (c *Checkpoint) Store(ctx context.Context, key string, value json.RawMessage) error {
	if c == nil || c.store == nil || c.runID == "" {
		return nil
	}
	_, err := c.store.SaveCheckpoint(ctx, state.CheckpointRecord{
		RunID:     c.runID,
		Key:       key,
		Value:     value,
		CreatedAt: time.Now().UTC(),
	})
	return err
}

// replayLimit returns the seq from which stored keys are stale, or -1 when
// every key is reusable.
func (c *Checkpoint) replayLimit(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return c.limit, nil
	}
	if c.replayID == "" {
		c.limit, c.resolved = -1, true
		return c.limit, nil
	}
	rec, err := c.store.LoadCheckpoint(ctx, c.runID, c.replayID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		c.logger.Warn("replay checkpoint not found, nothing will be reused",
			zap.String("run_id", c.runID), zap.String("replay_id", c.replayID))
		c.limit = 0
	case err != nil:
		return 0, fmt.Errorf("load replay checkpoint %q: %w", c.replayID, err)
	default:
		c.limit = rec.Seq
	}
	c.resolved = true
	return c.limit, nil
}
