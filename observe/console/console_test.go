package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/types"
)

func TestSinkIndentsChildren(t *testing.T) {
	var buf bytes.Buffer
	sink := New(&buf)
	ctx := context.Background()
	root := observe.NewSource(observe.SourceWorkflow)
	task := root.Child(observe.SourceTask)
	now := time.Now()

	events := []observe.Event{
		{Source: root, Kind: observe.Started{Name: "report"}, Timestamp: now},
		{Source: task, Kind: observe.Started{Name: "fetch"}, Timestamp: now},
		{Source: task, Kind: observe.UsageReported{Usage: types.Usage{InputTokens: 12000, OutputTokens: 5}}, Timestamp: now},
		{Source: task, Kind: observe.Finished{Error: "timeout"}, Timestamp: now.Add(20 * time.Millisecond)},
		{Source: root, Kind: observe.LowConsistencyDetected{Consistency: 0.1667}, Timestamp: now},
		{Source: root, Kind: observe.Finished{}, Timestamp: now.Add(30 * time.Millisecond)},
	}
	for _, e := range events {
		if err := sink.Emit(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "  ▸ task fetch") {
		t.Fatalf("expected indented child, got %q", lines[1])
	}
	if !strings.Contains(lines[2], "in=12,000") {
		t.Fatalf("expected humanized tokens, got %q", lines[2])
	}
	if !strings.Contains(lines[3], "timeout") || !strings.Contains(lines[3], "20ms") {
		t.Fatalf("unexpected failure line %q", lines[3])
	}
	if !strings.Contains(lines[4], "0.167") {
		t.Fatalf("unexpected warning line %q", lines[4])
	}
	if strings.Contains(buf.String(), "\033[") {
		t.Fatalf("expected no colors for a buffer writer")
	}
}

func TestSinkHidesProgressUnlessVerbose(t *testing.T) {
	var buf bytes.Buffer
	src := observe.NewSource(observe.SourceLoop)
	quiet := New(&buf)
	_ = quiet.Emit(context.Background(), observe.NewEvent(src, observe.ProgressUpdated(1)))
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
	loud := New(&buf, WithVerbose(true))
	_ = loud.Emit(context.Background(), observe.NewEvent(src, observe.ProgressUpdated(2)))
	if !strings.Contains(buf.String(), "2nd done") {
		t.Fatalf("expected progress line, got %q", buf.String())
	}
}
