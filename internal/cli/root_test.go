package cli

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/PipeOpsHQ/execflow/types"
)

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	_, err := executeRoot(t, "--format", "xml", "workflows")
	if err == nil || !strings.Contains(err.Error(), `invalid format "xml"`) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestWorkflowsCommand(t *testing.T) {
	out, err := executeRoot(t, "workflows")
	if err != nil {
		t.Fatalf("workflows: %v", err)
	}
	for _, name := range []string{"basic", "chain", "map-reduce", "router"} {
		if !strings.Contains(out, name) {
			t.Fatalf("missing workflow %q:\n%s", name, out)
		}
	}
}

func TestPromptsCommands(t *testing.T) {
	out, err := executeRoot(t, "prompts", "list")
	if err != nil {
		t.Fatalf("prompts list: %v", err)
	}
	for _, name := range []string{"consistency-judge", "consistency-judge-strict"} {
		if !strings.Contains(out, name) {
			t.Fatalf("missing prompt %q:\n%s", name, out)
		}
	}

	out, err = executeRoot(t, "prompts", "render", "consistency-judge",
		"--var", "task=Add", "--var", "first=4", "--var", "second=four", "--var", "agree=A", "--var", "disagree=B")
	if err != nil {
		t.Fatalf("prompts render: %v", err)
	}
	for _, want := range []string{"Task:\nAdd", "Answer 1:\n4", "Answer 2:\nfour", "A if the answers are consistent"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered prompt missing %q:\n%s", want, out)
		}
	}

	if _, err := executeRoot(t, "prompts", "show", "missing"); !errors.Is(err, types.ErrArgument) {
		t.Fatalf("expected argument error, got %v", err)
	}
}

func TestRunCommandValidatesBeforeOpeningState(t *testing.T) {
	tests := []struct {
		args []string
		code int
	}{
		{args: []string{"run"}, code: ExitCommandError},
		{args: []string{"run", "nope", "x"}, code: ExitCommandError},
		{args: []string{"run", "basic", "--replay", "answer", "x"}, code: ExitCommandError},
		{args: []string{"run", "basic", "--var", "novalue", "x"}, code: ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.args), func(t *testing.T) {
			_, err := executeRoot(t, tt.args...)
			if got := ExitCode(err); got != tt.code {
				t.Fatalf("exit code = %d, want %d (%v)", got, tt.code, err)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{errors.New("boom"), ExitFailure},
		{types.ConfigurationError("bad"), ExitCommandError},
		{fmt.Errorf("wrapped: %w", types.ArgumentError("bad")), ExitCommandError},
		{types.RuntimeError("run failed"), ExitFailure},
		{WrapExitError(ExitCommandError, "x", errors.New("y")), ExitCommandError},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
