package launch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/state"
	"github.com/PipeOpsHQ/execflow/state/memory"
	"github.com/PipeOpsHQ/execflow/types"
)

// pipeline counts words in two checkpointed steps. The count step fails
// while failCount is set.
type pipeline struct {
	splits    atomic.Int32
	counts    atomic.Int32
	failCount atomic.Bool
}

func (p *pipeline) exec() execute.Executable[string, int] {
	split := execute.Step("split", observe.SourceStep, execute.Checkpointed("split",
		execute.Func[string, []string](func(ctx context.Context, ec *execute.ExecutionContext, in string) ([]string, error) {
			p.splits.Add(1)
			_ = ec.Emit(ctx, observe.UsageReported{Usage: types.Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}})
			return strings.Fields(in), nil
		})))
	count := execute.Step("count", observe.SourceStep, execute.Checkpointed("count",
		execute.Func[[]string, int](func(context.Context, *execute.ExecutionContext, []string) (int, error) {
			p.counts.Add(1)
			if p.failCount.Load() {
				return 0, errors.New("counter offline")
			}
			return 0, nil
		})))
	return execute.Func[string, int](func(ctx context.Context, ec *execute.ExecutionContext, in string) (int, error) {
		words, err := split.Execute(ctx, ec, in)
		if err != nil {
			return 0, err
		}
		if _, err := count.Execute(ctx, ec, words); err != nil {
			return 0, err
		}
		return len(words), nil
	})
}

func TestLaunch_CompletesRun(t *testing.T) {
	t.Parallel()
	store := memory.New()
	p := &pipeline{}
	l := &Launcher[string, int]{WorkflowID: "words", Exec: p.exec(), Store: store}
	rec := observe.NewRecorder()

	out, err := l.Run(context.Background(), "a b c", NoRetry{Variables: map[string]any{"lang": "en"}}, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Output != 3 || out.Run.RunIndex != 1 || out.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	events := rec.Events()
	first, last := events[0], events[len(events)-1]
	if _, ok := first.Kind.(observe.Started); !ok || first.Source.ID != out.SourceID || first.Source.Kind != observe.SourceWorkflow {
		t.Fatalf("expected root Started first, got %+v", first)
	}
	if fin, ok := last.Kind.(observe.Finished); !ok || last.Source.ID != out.SourceID || fin.Error != "" {
		t.Fatalf("expected clean root Finished last, got %+v", last)
	}

	run, err := store.LoadRun(context.Background(), out.Run.RunID)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if run.Status != state.RunCompleted || run.Output != "3" || run.Attempts != 1 || run.Usage == nil || run.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected run record %+v", run)
	}
}

func TestLaunch_RetryReusesCheckpoints(t *testing.T) {
	t.Parallel()
	store := memory.New()
	p := &pipeline{}
	l := &Launcher[string, int]{WorkflowID: "words", Exec: p.exec(), Store: store}

	first, err := l.Run(context.Background(), "a b", NoRetry{}, nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	// replaying from count reuses split and runs count again
	p.failCount.Store(true)
	rec := observe.NewRecorder()
	_, err = l.Run(context.Background(), "a b", Retry{ReplayID: "count", RunIndex: first.Run.RunIndex}, rec)
	if err == nil || !strings.Contains(err.Error(), "counter offline") {
		t.Fatalf("expected failure, got %v", err)
	}
	if p.splits.Load() != 1 || p.counts.Load() != 2 {
		t.Fatalf("expected split reused and count rerun, got %d splits and %d counts", p.splits.Load(), p.counts.Load())
	}
	last := rec.Events()[len(rec.Events())-1]
	if fin, ok := last.Kind.(observe.Finished); !ok || !strings.Contains(fin.Error, "counter offline") {
		t.Fatalf("expected root Finished with the error, got %+v", last)
	}
	run, _ := store.LoadRun(context.Background(), first.Run.RunID)
	if run.Status != state.RunFailed || run.Attempts != 2 || !strings.Contains(run.Error, "counter offline") {
		t.Fatalf("expected failed second attempt, got %+v", run)
	}

	// without a replay id every stored step is reused
	p.failCount.Store(false)
	third, err := l.Run(context.Background(), "a b", LastFailure{}, nil)
	if err != nil {
		t.Fatalf("last failure retry: %v", err)
	}
	if third.Output != 2 || third.Run.RunID != first.Run.RunID {
		t.Fatalf("unexpected retry outcome %+v", third)
	}
	if p.splits.Load() != 1 || p.counts.Load() != 2 {
		t.Fatalf("expected both steps reused, got %d splits and %d counts", p.splits.Load(), p.counts.Load())
	}
	run, _ = store.LoadRun(context.Background(), first.Run.RunID)
	if run.Status != state.RunCompleted || run.Attempts != 3 || run.Error != "" {
		t.Fatalf("expected completed third attempt, got %+v", run)
	}
}

func TestLaunch_ResolutionFailuresAbort(t *testing.T) {
	t.Parallel()
	store := memory.New()
	p := &pipeline{}
	l := &Launcher[string, int]{WorkflowID: "words", Exec: p.exec(), Store: store}

	cases := []struct {
		name     string
		strategy RetryStrategy
		target   error
	}{
		{name: "preview", strategy: Preview{}, target: types.ErrNotImplemented},
		{name: "missing run", strategy: Retry{ReplayID: "count", RunIndex: 4}, target: state.ErrNotFound},
	}
	for _, tc := range cases {
		rec := observe.NewRecorder()
		out, err := l.Run(context.Background(), "x", tc.strategy, rec)
		if !errors.Is(err, tc.target) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.target, err)
		}
		if out.Executed || out.SourceID == "" {
			t.Fatalf("%s: expected an unexecuted outcome with a source, got %+v", tc.name, out)
		}
		events := rec.Events()
		if len(events) != 2 || events[0].Type() != observe.EventStarted {
			t.Fatalf("%s: expected a root Started and Finished, got %d events", tc.name, len(events))
		}
		finished := rec.OfType(observe.EventFinished)
		if len(finished) != 1 || finished[0].Source.ID != out.SourceID || !finished[0].Source.IsRoot() {
			t.Fatalf("%s: expected exactly one root Finished, got %+v", tc.name, finished)
		}
		if msg := finished[0].Kind.(observe.Finished).Error; msg != err.Error() {
			t.Fatalf("%s: Finished should carry the failure, got %q", tc.name, msg)
		}
	}
	if p.splits.Load() != 0 {
		t.Fatal("aborted launches must not execute")
	}

	bare := &Launcher[string, int]{WorkflowID: "words", Store: store}
	if _, err := bare.Launch(context.Background(), "x", nil, nil); !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestLaunch_Stream(t *testing.T) {
	t.Parallel()
	p := &pipeline{}
	l := &Launcher[string, int]{WorkflowID: "words", Exec: p.exec(), Store: memory.New()}

	events, results := l.Stream(context.Background(), "one two three four", NoRetry{})
	var got []observe.Event
	for e := range events {
		got = append(got, e)
	}
	res := <-results
	if res.Err != nil || res.Output != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(got) == 0 || got[len(got)-1].Source.ID != res.SourceID {
		t.Fatalf("expected the stream to end with the root event, got %d events", len(got))
	}
}

type busyLocker struct{ released atomic.Int32 }

func (b *busyLocker) AcquireRunLock(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (b *busyLocker) ReleaseRunLock(context.Context, string, string) error {
	b.released.Add(1)
	return nil
}

func TestLaunch_LockedRunConflicts(t *testing.T) {
	t.Parallel()
	p := &pipeline{}
	locker := &busyLocker{}
	l := &Launcher[string, int]{WorkflowID: "words", Exec: p.exec(), Store: memory.New(), Locker: locker}

	rec := observe.NewRecorder()
	_, err := l.Launch(context.Background(), "x", NoRetry{}, rec)
	if !errors.Is(err, state.ErrConflict) || !errors.Is(err, types.ErrRuntime) {
		t.Fatalf("expected conflict, got %v", err)
	}
	finished := rec.OfType(observe.EventFinished)
	if len(finished) != 1 || !strings.Contains(finished[0].Kind.(observe.Finished).Error, "executing elsewhere") {
		t.Fatalf("expected the conflict reported as a root Finished, got %+v", finished)
	}
	if p.splits.Load() != 0 || locker.released.Load() != 0 {
		t.Fatal("a run that was not locked must neither execute nor be released")
	}
}
