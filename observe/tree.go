package observe

import (
	"errors"
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	ErrUnknownParent   = errors.New("observe: unknown parent source")
	ErrDuplicateSource = errors.New("observe: duplicate source")
	ErrUnknownSource   = errors.New("observe: unknown source")
)

// Tree is an append-only arena of sources indexed by id, with a separate
// parent to children index. It is discarded together with its run.
type Tree struct {
	mu       sync.RWMutex
	sources  *orderedmap.OrderedMap[string, Source]
	children map[string][]string
}

func NewTree() *Tree {
	return &Tree{
		sources:  orderedmap.New[string, Source](),
		children: map[string][]string{},
	}
}

func (t *Tree) Add(src Source) error {
	if src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sources.Get(src.ID); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, src.ID)
	}
	if src.ParentID != "" {
		if _, ok := t.sources.Get(src.ParentID); !ok {
			return fmt.Errorf("%w: %s (child %s)", ErrUnknownParent, src.ParentID, src.ID)
		}
	}
	t.sources.Set(src.ID, src)
	t.children[src.ParentID] = append(t.children[src.ParentID], src.ID)
	return nil
}

func (t *Tree) Get(id string) (Source, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sources.Get(id)
}

func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sources.Len()
}

// Children returns the direct children of id in creation order. An empty id
// lists the roots.
func (t *Tree) Children(id string) []Source {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := t.children[id]
	out := make([]Source, 0, len(ids))
	for _, childID := range ids {
		if src, ok := t.sources.Get(childID); ok {
			out = append(out, src)
		}
	}
	return out
}

// Path returns the chain of sources from the root down to id.
func (t *Tree) Path(id string) ([]Source, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []Source{}
	current := id
	for current != "" {
		src, ok := t.sources.Get(current)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, current)
		}
		out = append(out, src)
		current = src.ParentID
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (t *Tree) Root(id string) (Source, error) {
	path, err := t.Path(id)
	if err != nil {
		return Source{}, err
	}
	if len(path) == 0 {
		return Source{}, fmt.Errorf("%w: empty id", ErrUnknownSource)
	}
	return path[0], nil
}

// Sources returns every source in creation order.
func (t *Tree) Sources() []Source {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Source, 0, t.sources.Len())
	for pair := t.sources.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}
