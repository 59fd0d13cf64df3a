package execute

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Checkpoint stores intermediate results of a run so a retry can skip work
// that precedes its replay point.
type Checkpoint interface {
	// Lookup returns the stored value for key when it may be reused.
	Lookup(ctx context.Context, key string) (json.RawMessage, bool, error)
	Store(ctx context.Context, key string, value json.RawMessage) error
}

type checkpointed[I, R any] struct {
	key  string
	exec Executable[I, R]
}

// Checkpointed reuses the stored result for key when ec has a Checkpoint
// that allows it, and stores fresh results otherwise.
func Checkpointed[I, R any](key string, exec Executable[I, R]) Executable[I, R] {
	return checkpointed[I, R]{key: key, exec: exec}
}

func (c checkpointed[I, R]) Execute(ctx context.Context, ec *ExecutionContext, input I) (R, error) {
	if ec.Checkpoint == nil {
		return c.exec.Execute(ctx, ec, input)
	}
	raw, ok, err := ec.Checkpoint.Lookup(ctx, c.key)
	if err != nil {
		var zero R
		return zero, fmt.Errorf("checkpoint lookup %q: %w", c.key, err)
	}
	if ok {
		var out R
		if err := json.Unmarshal(raw, &out); err == nil {
			ec.log().Debug("reusing checkpoint", zap.String("key", c.key))
			_ = ec.Message(ctx, "reused checkpoint %s", c.key)
			return out, nil
		}
		ec.log().Warn("ignoring unreadable checkpoint", zap.String("key", c.key))
	}
	out, err := c.exec.Execute(ctx, ec, input)
	if err != nil {
		return out, err
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return out, fmt.Errorf("checkpoint encode %q: %w", c.key, err)
	}
	if err := ec.Checkpoint.Store(ctx, c.key, encoded); err != nil {
		return out, fmt.Errorf("checkpoint store %q: %w", c.key, err)
	}
	return out, nil
}
