package execute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/execflow/observe"
)

func TestLoopExecutor_PartialFailureKeepsSuccesses(t *testing.T) {
	ec, _ := newTrackedContext(t)
	boom := errors.New("boom")
	loop := &LoopExecutor[int, int]{
		Exec: Func[int, int](func(_ context.Context, _ *ExecutionContext, n int) (int, error) {
			if n%2 == 1 {
				return 0, fmt.Errorf("odd %d: %w", n, boom)
			}
			return n * 10, nil
		}),
		Concurrency: 3,
	}

	result, err := loop.Run(context.Background(), ec, []int{0, 1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var indexes []int
	for _, item := range result.Successes() {
		indexes = append(indexes, item.Index)
	}
	if diff := cmp.Diff([]int{0, 2, 4}, indexes); diff != "" {
		t.Fatalf("success indexes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 20, 40}, result.Values()); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if len(result.Failed()) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(result.Failed()))
	}
	loopErr := result.Err()
	if !errors.Is(loopErr, boom) || !strings.Contains(loopErr.Error(), "2 of 5 items failed; item 1") {
		t.Fatalf("unexpected loop error: %v", loopErr)
	}
}

func TestLoopExecutor_ProgressOncePerItem(t *testing.T) {
	ec, rec := newTrackedContext(t)
	var calls [][2]int
	loop := &LoopExecutor[int, int]{
		Exec: Func[int, int](func(_ context.Context, _ *ExecutionContext, n int) (int, error) {
			if n == 2 {
				return 0, errors.New("fail")
			}
			return n, nil
		}),
		Concurrency: 2,
		OnProgress: func(done, total int) {
			calls = append(calls, [2]int{done, total})
		},
	}
	if _, err := loop.Run(context.Background(), ec, []int{0, 1, 2, 3}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := [][2]int{{1, 4}, {2, 4}, {3, 4}, {4, 4}}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}

	var phases []observe.ProgressPhase
	for _, e := range rec.OfType(observe.EventProgress) {
		phases = append(phases, e.Kind.(observe.Progress).Phase)
	}
	if len(phases) != 6 || phases[0] != observe.ProgressPhaseStarted || phases[5] != observe.ProgressPhaseFinished {
		t.Fatalf("unexpected progress phases: %v", phases)
	}
}

func TestLoopExecutor_BoundsConcurrency(t *testing.T) {
	ec, _ := newTrackedContext(t)
	var inFlight, peak int32
	loop := &LoopExecutor[int, int]{
		Exec: Func[int, int](func(context.Context, *ExecutionContext, int) (int, error) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return 0, nil
		}),
		Concurrency: 2,
	}
	if _, err := loop.Run(context.Background(), ec, make([]int, 8)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if p := atomic.LoadInt32(&peak); p < 1 || p > 2 {
		t.Fatalf("expected at most 2 items in flight, saw %d", p)
	}
}

func TestLoopExecutor_EventsFollowSourceTree(t *testing.T) {
	ec, rec := newTrackedContext(t)
	loop := &LoopExecutor[string, string]{
		Name: "greet",
		Exec: Func[string, string](func(ctx context.Context, ec *ExecutionContext, name string) (string, error) {
			if name == "b" {
				time.Sleep(10 * time.Millisecond)
			}
			return name, ec.Message(ctx, "hello %s", name)
		}),
		Concurrency: 3,
	}
	if _, err := loop.Run(context.Background(), ec, []string{"a", "b", "c"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if diff := cmp.Diff([]string{"hello a", "hello b", "hello c"}, messages(rec.Events())); diff != "" {
		t.Fatalf("item messages out of input order (-want +got):\n%s", diff)
	}

	var started []string
	for _, e := range rec.OfType(observe.EventStarted) {
		if e.Source.Kind == observe.SourceLoopItem {
			started = append(started, e.Kind.(observe.Started).Name)
		}
	}
	if diff := cmp.Diff([]string{"greet[0]", "greet[1]", "greet[2]"}, started); diff != "" {
		t.Fatalf("item starts mismatch (-want +got):\n%s", diff)
	}

	events := rec.Events()
	last := events[len(events)-1]
	finished, ok := last.Kind.(observe.Finished)
	if !ok || last.Source.Kind != observe.SourceLoop {
		t.Fatalf("expected loop Finished last, got %s on %s", last.Type(), last.Source.Kind)
	}
	if finished.Attributes["succeeded"] != 3 || finished.Attributes["failed"] != 0 {
		t.Fatalf("unexpected loop attributes: %v", finished.Attributes)
	}
}

func TestLoopExecutor_RecoversPanics(t *testing.T) {
	ec, rec := newTrackedContext(t)
	loop := &LoopExecutor[int, int]{
		Exec: Func[int, int](func(_ context.Context, _ *ExecutionContext, n int) (int, error) {
			if n == 1 {
				panic("kaboom")
			}
			return n, nil
		}),
	}
	result, err := loop.Run(context.Background(), ec, []int{0, 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	failed := result.Failed()
	if len(failed) != 1 || !strings.Contains(failed[0].Err.Error(), "panicked: kaboom") {
		t.Fatalf("expected recovered panic, got %#v", failed)
	}
	var itemErrors []string
	for _, e := range rec.OfType(observe.EventFinished) {
		if e.Source.Kind == observe.SourceLoopItem {
			itemErrors = append(itemErrors, e.Kind.(observe.Finished).Error)
		}
	}
	if len(itemErrors) != 2 || itemErrors[0] != "" || !strings.Contains(itemErrors[1], "kaboom") {
		t.Fatalf("unexpected item finished errors: %q", itemErrors)
	}
}

func TestLoopExecutor_CancelledBeforeAdmission(t *testing.T) {
	ec, _ := newTrackedContext(t)
	var ran int32
	loop := &LoopExecutor[int, int]{
		Exec: Func[int, int](func(context.Context, *ExecutionContext, int) (int, error) {
			atomic.AddInt32(&ran, 1)
			return 0, nil
		}),
		Concurrency: 1,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pending, w := loop.Start(ctx, ec, []int{1, 2, 3})
	result, err := pending.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if err := w.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatalf("expected no item to run after cancellation")
	}
	for _, item := range result.Items {
		if !errors.Is(item.Err, context.Canceled) {
			t.Fatalf("item %d: expected context.Canceled, got %v", item.Index, item.Err)
		}
	}
}

func TestLoopExecutor_EmptyInput(t *testing.T) {
	ec, _ := newTrackedContext(t)
	var once sync.Once
	loop := &LoopExecutor[int, int]{
		Exec: Func[int, int](func(context.Context, *ExecutionContext, int) (int, error) {
			once.Do(func() { t.Errorf("executable should not run") })
			return 0, nil
		}),
	}
	result, err := loop.Run(context.Background(), ec, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Items) != 0 || result.Err() != nil {
		t.Fatalf("unexpected result for empty input: %#v", result)
	}
}
