package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnannounced    = errors.New("observe: event for source that was never started")
	ErrSourceFinished = errors.New("observe: event for finished source")
)

// Tracker validates the source lifecycle before forwarding events: a source
// must be announced by Started before anything else is emitted on it, its
// parent must already exist, and nothing follows its Finished event.
// Forwarding happens under the tracker lock so per-source production order
// is kept downstream.
type Tracker struct {
	next     Sink
	tree     *Tree
	mu       sync.Mutex
	finished map[string]bool
}

func NewTracker(next Sink) *Tracker {
	if next == nil {
		next = NoopSink{}
	}
	return &Tracker{
		next:     next,
		tree:     NewTree(),
		finished: map[string]bool{},
	}
}

func (t *Tracker) Tree() *Tree {
	return t.tree
}

func (t *Tracker) Emit(ctx context.Context, event Event) error {
	if event.Kind == nil {
		return fmt.Errorf("event kind is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	src := event.Source
	switch event.Kind.(type) {
	case Started:
		if err := t.tree.Add(src); err != nil {
			return err
		}
	default:
		if _, ok := t.tree.Get(src.ID); !ok {
			return fmt.Errorf("%w: %s %s", ErrUnannounced, event.Type(), src.ID)
		}
		if t.finished[src.ID] {
			return fmt.Errorf("%w: %s %s", ErrSourceFinished, event.Type(), src.ID)
		}
		if _, ok := event.Kind.(Finished); ok {
			t.finished[src.ID] = true
		}
	}
	return t.next.Emit(ctx, event)
}

func (t *Tracker) IsFinished(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished[id]
}
