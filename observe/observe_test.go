package observe

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PipeOpsHQ/execflow/types"
	"github.com/google/go-cmp/cmp"
)

func TestTreeTracksParentsAndOrder(t *testing.T) {
	tree := NewTree()
	root := NewSource(SourceWorkflow)
	a := root.Child(SourceTask)
	b := root.Child(SourceTask)
	leaf := a.Child(SourceLoopItem)

	for _, src := range []Source{root, a, b, leaf} {
		if err := tree.Add(src); err != nil {
			t.Fatalf("add %s: %v", src.ID, err)
		}
	}
	if err := tree.Add(a); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	orphan := Source{ID: "orphan", Kind: SourceTask, ParentID: "missing"}
	if err := tree.Add(orphan); !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("expected unknown parent error, got %v", err)
	}

	if diff := cmp.Diff([]Source{a, b}, tree.Children(root.ID)); diff != "" {
		t.Fatalf("children mismatch (-want +got):\n%s", diff)
	}
	path, err := tree.Path(leaf.ID)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if diff := cmp.Diff([]Source{root, a, leaf}, path); diff != "" {
		t.Fatalf("path mismatch (-want +got):\n%s", diff)
	}
	got, err := tree.Root(leaf.ID)
	if err != nil || got.ID != root.ID {
		t.Fatalf("unexpected root %+v (%v)", got, err)
	}
	if tree.Len() != 4 || len(tree.Sources()) != 4 {
		t.Fatalf("unexpected size %d", tree.Len())
	}
}

func TestTrackerRejectsUnannouncedAndLateEvents(t *testing.T) {
	rec := NewRecorder()
	tracker := NewTracker(rec)
	ctx := context.Background()
	root := NewSource(SourceWorkflow)
	child := root.Child(SourceTask)

	if err := tracker.Emit(ctx, NewEvent(root, Message{Text: "early"})); !errors.Is(err, ErrUnannounced) {
		t.Fatalf("expected unannounced error, got %v", err)
	}
	if err := tracker.Emit(ctx, NewEvent(child, Started{})); !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("expected unknown parent, got %v", err)
	}
	steps := []Event{
		NewEvent(root, Started{Name: "wf"}),
		NewEvent(child, Started{Name: "task"}),
		NewEvent(child, Updated{Chunk: types.Chunk{Delta: types.TextOutput("x")}}),
		NewEvent(child, Finished{}),
	}
	for _, e := range steps {
		if err := tracker.Emit(ctx, e); err != nil {
			t.Fatalf("emit %s: %v", e.Type(), err)
		}
	}
	if err := tracker.Emit(ctx, NewEvent(child, Message{Text: "late"})); !errors.Is(err, ErrSourceFinished) {
		t.Fatalf("expected finished error, got %v", err)
	}
	if err := tracker.Emit(ctx, NewEvent(root, Started{})); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if len(rec.Events()) != len(steps) {
		t.Fatalf("expected %d forwarded events, got %d", len(steps), len(rec.Events()))
	}
	if !tracker.IsFinished(child.ID) || tracker.IsFinished(root.ID) {
		t.Fatalf("unexpected finished state")
	}
}

func TestEventJSONRoundTripKeepsKind(t *testing.T) {
	src := NewSource(SourceTask)
	in := Event{
		Source:    src,
		Kind:      Progress{Phase: ProgressPhaseStarted, Total: 3},
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Event
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if err := json.Unmarshal([]byte(`{"type":"bogus"}`), &out); err == nil {
		t.Fatalf("expected unknown type error")
	}
	if _, err := json.Marshal(Event{Source: src}); err == nil {
		t.Fatalf("expected error for missing kind")
	}
}

func TestStreamBlocksInsteadOfDropping(t *testing.T) {
	stream := NewStream(1)
	src := NewSource(SourceTask)
	ctx := context.Background()

	const total = 50
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := stream.Emit(ctx, NewEvent(src, ProgressUpdated(i+1))); err != nil {
				t.Errorf("emit %d: %v", i, err)
				return
			}
		}
	}()

	got := 0
	for e := range stream.Events() {
		p := e.Kind.(Progress)
		got++
		if p.N != got {
			t.Fatalf("expected n=%d, got %d", got, p.N)
		}
		if got == total {
			break
		}
	}
	wg.Wait()
	stream.Close()
	stream.Close()
	if err := stream.Emit(ctx, NewEvent(src, Message{})); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestStreamCloseUnblocksProducer(t *testing.T) {
	stream := NewStream(1)
	src := NewSource(SourceTask)
	ctx := context.Background()
	if err := stream.Emit(ctx, NewEvent(src, Message{})); err != nil {
		t.Fatalf("first emit: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- stream.Emit(ctx, NewEvent(src, Message{})) }()
	time.Sleep(10 * time.Millisecond)
	stream.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStreamClosed) {
			t.Fatalf("expected closed error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("producer still blocked after close")
	}
}

func TestMultiSinkFansOutAndStopsOnError(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	sink := NewMultiSink(a, nil, b)
	ev := NewEvent(NewSource(SourceTask), Message{Text: "hi"})
	if err := sink.Emit(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("expected both recorders to see the event")
	}

	boom := errors.New("boom")
	failing := NewMultiSink(SinkFunc(func(context.Context, Event) error { return boom }), a)
	if err := failing.Emit(context.Background(), ev); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok := NewMultiSink().(NoopSink); !ok {
		t.Fatalf("expected noop for empty multisink")
	}
}

func TestUsageAccumulatorTotalsConcurrentReports(t *testing.T) {
	acc := NewUsageAccumulator()
	src := NewSource(SourceAgent)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = acc.Emit(context.Background(), NewEvent(src, UsageReported{Usage: types.Usage{InputTokens: 2, OutputTokens: 1, TotalTokens: 3}}))
			_ = acc.Emit(context.Background(), NewEvent(src, Message{Text: "ignored"}))
		}()
	}
	wg.Wait()
	final := acc.Close()
	want := types.Usage{InputTokens: 40, OutputTokens: 20, TotalTokens: 60}
	if final != want {
		t.Fatalf("unexpected totals %+v", final)
	}
	if acc.Totals() != want {
		t.Fatalf("totals after close should stay %+v", want)
	}
}

func TestFlattenMapsStatus(t *testing.T) {
	src := NewSource(SourceTask)
	cases := []struct {
		kind EventKind
		want Status
	}{
		{Started{Name: "x"}, StatusStarted},
		{Finished{}, StatusCompleted},
		{Finished{Error: "bad"}, StatusFailed},
		{Failure{Text: "bad"}, StatusFailed},
		{Message{Text: "m"}, StatusRunning},
	}
	for _, tc := range cases {
		r := Flatten(NewEvent(src, tc.kind))
		if r.Status != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.kind.Type(), tc.want, r.Status)
		}
		if r.SourceID != src.ID || len(r.Payload) == 0 {
			t.Fatalf("record missing source or payload: %+v", r)
		}
	}
}
