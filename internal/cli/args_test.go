package cli

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/execflow/launch"
	"github.com/PipeOpsHQ/execflow/types"
)

func TestParseVars(t *testing.T) {
	got, err := parseVars([]string{"persona=Be brief.", "limit=3", `tags=["a","b"]`, "empty=", "quoted=\"x=y\""})
	if err != nil {
		t.Fatalf("parseVars: %v", err)
	}
	want := map[string]any{
		"persona": "Be brief.",
		"limit":   float64(3),
		"tags":    []any{"a", "b"},
		"empty":   "",
		"quoted":  "x=y",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("vars mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"novalue", "=x", " =x"} {
		if _, err := parseVars([]string{bad}); !errors.Is(err, types.ErrArgument) {
			t.Fatalf("parseVars(%q): expected argument error, got %v", bad, err)
		}
	}
	if vars, err := parseVars(nil); err != nil || vars != nil {
		t.Fatalf("parseVars(nil) = %v, %v", vars, err)
	}
}

func TestRetryFlagsStrategy(t *testing.T) {
	vars := map[string]any{"k": "v"}
	tests := []struct {
		name    string
		flags   retryFlags
		vars    map[string]any
		want    launch.RetryStrategy
		wantErr bool
	}{
		{name: "new run", want: launch.NoRetry{}},
		{name: "new run with vars", vars: vars, want: launch.NoRetry{Variables: vars}},
		{name: "retry", flags: retryFlags{runIndex: 3, replayID: "reduce"}, want: launch.Retry{ReplayID: "reduce", RunIndex: 3}},
		{name: "retry from start", flags: retryFlags{runIndex: 2}, want: launch.Retry{RunIndex: 2}},
		{name: "retry with vars", flags: retryFlags{runIndex: 3, replayID: "map"}, vars: vars, want: launch.RetryWithVariables{ReplayID: "map", RunIndex: 3, Variables: vars}},
		{name: "last failure", flags: retryFlags{lastFailure: true}, want: launch.LastFailure{}},
		{name: "preview", flags: retryFlags{preview: true}, want: launch.Preview{}},
		{name: "replay without retry", flags: retryFlags{replayID: "x"}, wantErr: true},
		{name: "last failure and retry", flags: retryFlags{runIndex: 1, lastFailure: true}, wantErr: true},
		{name: "last failure with vars", flags: retryFlags{lastFailure: true}, vars: vars, wantErr: true},
		{name: "preview and retry", flags: retryFlags{runIndex: 1, preview: true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.strategy(tt.vars)
			if tt.wantErr {
				if !errors.Is(err, types.ErrArgument) {
					t.Fatalf("expected argument error, got %v (%v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("strategy: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("strategy mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadInput(t *testing.T) {
	got, err := readInput([]string{"what", "is", "2+2?"}, nil)
	if err != nil || got != "what is 2+2?" {
		t.Fatalf("readInput(args) = %q, %v", got, err)
	}
	got, err = readInput([]string{"-"}, strings.NewReader("  from stdin\n"))
	if err != nil || got != "from stdin" {
		t.Fatalf("readInput(stdin) = %q, %v", got, err)
	}
}

func TestResolveBuilder(t *testing.T) {
	b, err := resolveBuilder("map-reduce", "")
	if err != nil {
		t.Fatalf("resolveBuilder: %v", err)
	}
	if b.Name() != "map-reduce" {
		t.Fatalf("unexpected builder %q", b.Name())
	}
	if _, err := resolveBuilder("nope", ""); !errors.Is(err, types.ErrArgument) {
		t.Fatalf("expected argument error, got %v", err)
	}
	if _, err := resolveBuilder("", "/does/not/exist.yaml"); !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
