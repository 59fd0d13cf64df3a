package store

import (
	"context"
	"fmt"
	"time"

	"github.com/PipeOpsHQ/execflow/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
}

type MetricsQuery struct {
	Since *time.Time
}

type MetricsSummary struct {
	RunsStarted    int64 `json:"runsStarted"`
	RunsCompleted  int64 `json:"runsCompleted"`
	RunsFailed     int64 `json:"runsFailed"`
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`
	JudgeCalls     int64 `json:"judgeCalls"`
	LowConsistency int64 `json:"lowConsistency"`
	ItemFailures   int64 `json:"itemFailures"`
}

// Store persists flattened event records keyed by the root source id of
// their run.
type Store interface {
	SaveRecord(ctx context.Context, record observe.Record) error
	ListByRun(ctx context.Context, runID string, query ListQuery) ([]observe.Record, error)
	ListRuns(ctx context.Context, query ListQuery) ([]string, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}

// Handler is an observe.Sink that resolves each event's run through the
// source tree and saves it to a Store.
type Handler struct {
	store Store
	tree  *observe.Tree
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, tree: observe.NewTree()}
}

func (h *Handler) Emit(ctx context.Context, event observe.Event) error {
	if h == nil || h.store == nil {
		return nil
	}
	src := event.Source
	if _, ok := event.Kind.(observe.Started); ok {
		if _, known := h.tree.Get(src.ID); !known {
			if err := h.tree.Add(src); err != nil {
				// Parent predates this handler; anchor the subtree here.
				if err := h.tree.Add(observe.Source{ID: src.ID, Kind: src.Kind}); err != nil {
					return fmt.Errorf("failed to track source: %w", err)
				}
			}
		}
	}
	record := observe.Flatten(event)
	record.RunID = src.ID
	if root, err := h.tree.Root(src.ID); err == nil {
		record.RunID = root.ID
	}
	return h.store.SaveRecord(ctx, record)
}
