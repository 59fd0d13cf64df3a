package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/runtimeconfig"
	"github.com/PipeOpsHQ/execflow/state"
	"github.com/PipeOpsHQ/execflow/types"
)

const defaultLockTTL = 10 * time.Minute

// RunLocker guards a run against concurrent launches across processes.
type RunLocker interface {
	AcquireRunLock(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, runID, owner string) error
}

// Launcher executes a workflow executable as a persisted run.
type Launcher[I, R any] struct {
	WorkflowID string
	Exec       execute.Executable[I, R]
	Store      state.Store
	Config     *runtimeconfig.Config
	Logger     *zap.Logger
	UserID     string

	// Locker is optional. When set, a run already held elsewhere fails the
	// launch with state.ErrConflict.
	Locker  RunLocker
	LockTTL time.Duration

	// Format renders the output stored on the run record. The default is
	// JSON.
	Format func(R) string
}

// Outcome describes one finished launch.
type Outcome[R any] struct {
	Output R
	Run    state.RunInfo
	// SourceID is the root Source of this attempt's event tree.
	SourceID string
	// Executed reports whether the executable ran. It is false when the
	// launch failed while resolving, locking or loading the run.
	Executed bool
	Usage    types.Usage
}

// Launch resolves strategy to a run, executes it and streams every event to
// handler. handler may be nil.
func (l *Launcher[I, R]) Launch(ctx context.Context, input I, strategy RetryStrategy, handler observe.Sink) (R, error) {
	out, err := l.Run(ctx, input, strategy, handler)
	return out.Output, err
}

// Run is Launch returning the run bookkeeping as well. A launch that fails
// before executing still reports a root Started and Finished pair to
// handler; its Outcome has Executed unset.
func (l *Launcher[I, R]) Run(ctx context.Context, input I, strategy RetryStrategy, handler observe.Sink) (res Outcome[R], err error) {
	logger := l.logger().With(zap.String("workflow_id", l.WorkflowID))
	root := observe.NewSource(observe.SourceWorkflow)
	attrs := map[string]any{"workflow_id": l.WorkflowID}
	executed := false
	defer func() {
		if err != nil && !executed && handler != nil {
			l.abort(ctx, handler, root, attrs, err, logger)
			res.SourceID = root.ID
		}
	}()

	if l.Exec == nil {
		return Outcome[R]{}, types.ConfigurationError("launcher for %q has no executable", l.WorkflowID)
	}
	if l.Store == nil {
		return Outcome[R]{}, types.ConfigurationError("launcher for %q has no state store", l.WorkflowID)
	}
	if strategy == nil {
		strategy = NoRetry{}
	}
	attrs["strategy"] = strategy.String()

	info, err := Resolve(ctx, l.Store, l.WorkflowID, strategy)
	if err != nil {
		logger.Error("failed to resolve run", zap.Stringer("strategy", strategy), zap.Error(err))
		return Outcome[R]{}, err
	}
	logger = logger.With(zap.String("run_id", info.RunID), zap.Int("run_index", info.RunIndex))
	attrs["run_id"] = info.RunID
	attrs["run_index"] = info.RunIndex
	if info.ReplayID != "" {
		attrs["replay_id"] = info.ReplayID
	}

	if l.Locker != nil {
		owner := uuid.NewString()
		ttl := l.LockTTL
		if ttl <= 0 {
			ttl = defaultLockTTL
		}
		ok, err := l.Locker.AcquireRunLock(ctx, info.RunID, owner, ttl)
		if err != nil {
			return Outcome[R]{Run: info}, fmt.Errorf("lock run %s: %w", info.RunID, err)
		}
		if !ok {
			return Outcome[R]{Run: info}, types.RuntimeError("run %d of %q is executing elsewhere: %w", info.RunIndex, l.WorkflowID, state.ErrConflict)
		}
		defer func() {
			if err := l.Locker.ReleaseRunLock(context.WithoutCancel(ctx), info.RunID, owner); err != nil {
				logger.Warn("failed to release run lock", zap.Error(err))
			}
		}()
	}

	run, err := l.Store.LoadRun(ctx, info.RunID)
	if err != nil {
		return Outcome[R]{Run: info}, fmt.Errorf("load run %s: %w", info.RunID, err)
	}
	if err := l.Store.SaveRunStatus(ctx, state.StatusUpdate{RunID: info.RunID, Status: state.RunRunning}); err != nil {
		return Outcome[R]{Run: info}, fmt.Errorf("mark run %s running: %w", info.RunID, err)
	}
	executed = true

	usage := observe.NewUsageAccumulator()
	sink := observe.NewTracker(observe.NewMultiSink(usage, handler))
	ec := execute.NewContext(root, sink,
		execute.WithConfig(l.Config),
		execute.WithCheckpoint(NewCheckpoint(l.Store, info, logger)),
		execute.WithRunInfo(info),
		execute.WithVariables(run.Variables),
		execute.WithUserID(l.UserID),
		execute.WithLogger(logger),
	)

	started := time.Now()
	logger.Info("launching run", zap.Stringer("strategy", strategy), zap.String("replay_id", info.ReplayID))

	var out R
	if err = ec.Start(ctx, l.WorkflowID, attrs); err == nil {
		out, err = l.Exec.Execute(ctx, ec, input)
		if finishErr := ec.Finish(context.WithoutCancel(ctx), err); finishErr != nil && err == nil {
			err = fmt.Errorf("finish run: %w", finishErr)
		}
	} else {
		err = fmt.Errorf("start run: %w", err)
	}
	totals := usage.Close()

	update := state.StatusUpdate{RunID: info.RunID, Status: state.RunCompleted, Usage: &totals}
	if err != nil {
		update.Status = state.RunFailed
		update.Error = err.Error()
	} else {
		update.Output = l.format(out)
	}
	if saveErr := l.Store.SaveRunStatus(context.WithoutCancel(ctx), update); saveErr != nil {
		logger.Error("failed to save run status", zap.Error(saveErr))
		err = errors.Join(err, fmt.Errorf("save run status: %w", saveErr))
	}

	outcome := Outcome[R]{Output: out, Run: info, SourceID: root.ID, Executed: true, Usage: totals}
	fields := []zap.Field{
		zap.Duration("duration", time.Since(started)),
		zap.Int("total_tokens", totals.TotalTokens),
	}
	if err != nil {
		logger.Error("run failed", append(fields, zap.Error(err))...)
		return outcome, err
	}
	logger.Info("run completed", fields...)
	return outcome, nil
}

// Result is the value delivered by Stream once the launch ends.
type Result[R any] struct {
	Outcome[R]
	Err error
}

// Stream launches in the background and exposes the events as a channel.
// The event channel is closed when the launch ends, after which the result
// is delivered. Consumers must drain events until closed.
func (l *Launcher[I, R]) Stream(ctx context.Context, input I, strategy RetryStrategy) (<-chan observe.Event, <-chan Result[R]) {
	stream := observe.NewStream(0)
	results := make(chan Result[R], 1)
	go func() {
		defer close(results)
		out, err := l.Run(ctx, input, strategy, stream)
		stream.Close()
		results <- Result[R]{Outcome: out, Err: err}
	}()
	return stream.Events(), results
}

// abort reports a launch that never executed as a root Started and Finished
// pair carrying cause.
func (l *Launcher[I, R]) abort(ctx context.Context, handler observe.Sink, root observe.Source, attrs map[string]any, cause error, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	sink := observe.NewTracker(handler)
	if err := sink.Emit(ctx, observe.NewEvent(root, observe.Started{Name: l.WorkflowID, Attributes: attrs})); err != nil {
		logger.Warn("failed to report aborted launch", zap.Error(err))
		return
	}
	if err := sink.Emit(ctx, observe.NewEvent(root, observe.Finished{Error: cause.Error()})); err != nil {
		logger.Warn("failed to report aborted launch", zap.Error(err))
	}
}

func (l *Launcher[I, R]) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

func (l *Launcher[I, R]) format(out R) string {
	if l.Format != nil {
		return l.Format(out)
	}
	if s, ok := any(out).(string); ok {
		return s
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprint(out)
	}
	return string(raw)
}
