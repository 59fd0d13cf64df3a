package execute

import (
	"context"
	"testing"

	"github.com/PipeOpsHQ/execflow/observe"
)

// newTrackedContext returns a started root context whose events pass through
// a Tracker into a Recorder.
func newTrackedContext(t *testing.T) (*ExecutionContext, *observe.Recorder) {
	t.Helper()
	rec := observe.NewRecorder()
	ec := NewContext(observe.NewSource(observe.SourceWorkflow), observe.NewTracker(rec))
	if err := ec.Start(context.Background(), "root", nil); err != nil {
		t.Fatalf("failed to start root: %v", err)
	}
	return ec, rec
}

func messages(events []observe.Event) []string {
	var out []string
	for _, e := range events {
		if m, ok := e.Kind.(observe.Message); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for pos := 0; pos <= len(p); pos++ {
			next := make([]int, 0, n)
			next = append(next, p[:pos]...)
			next = append(next, n-1)
			next = append(next, p[pos:]...)
			out = append(out, next)
		}
	}
	return out
}
