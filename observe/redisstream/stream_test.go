package redisstream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/google/uuid"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	c, err := New(addr, WithPrefix("execflow:test:"+uuid.NewString()))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPublishAndSubscribe(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub := c.Publisher()
	root := observe.NewSource(observe.SourceWorkflow)
	task := root.Child(observe.SourceTask)
	t.Cleanup(func() { _ = c.Delete(context.Background(), root.ID) })

	sent := []observe.Event{
		observe.NewEvent(root, observe.Started{Name: "wf"}),
		observe.NewEvent(task, observe.Started{Name: "task"}),
		observe.NewEvent(task, observe.Message{Text: "hello"}),
		observe.NewEvent(task, observe.Finished{}),
		observe.NewEvent(root, observe.Finished{}),
	}
	for _, e := range sent {
		if err := pub.Emit(ctx, e); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	events, errs := c.Subscribe(ctx, root.ID, 100*time.Millisecond)
	got := []observe.Event{}
	for e := range events {
		got = append(got, e)
	}
	if err := <-errs; err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(got) != len(sent) {
		t.Fatalf("expected %d events, got %d", len(sent), len(got))
	}
	for i := range sent {
		if got[i].Type() != sent[i].Type() || got[i].Source != sent[i].Source {
			t.Fatalf("event %d mismatch: %+v vs %+v", i, got[i], sent[i])
		}
	}
}

func TestReadRequiresRun(t *testing.T) {
	c := &Client{prefix: defaultPrefix}
	if _, err := c.Read(context.Background(), "", "0", 0, 1); err == nil {
		t.Fatalf("expected error")
	}
}
