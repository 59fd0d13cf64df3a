package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/PipeOpsHQ/execflow/launch"
	"github.com/PipeOpsHQ/execflow/types"
	"github.com/PipeOpsHQ/execflow/workflow"
)

// parseVars turns k=v pairs into run variables. Values that parse as JSON
// keep their JSON type; anything else is a string.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, types.ArgumentError("invalid variable %q: want key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		vars[key] = value
	}
	return vars, nil
}

type retryFlags struct {
	runIndex    int
	replayID    string
	lastFailure bool
	preview     bool
}

// strategy maps the retry flags of a run command onto a launch strategy.
func (f retryFlags) strategy(vars map[string]any) (launch.RetryStrategy, error) {
	retrying := f.runIndex != 0
	switch {
	case f.preview:
		if retrying || f.lastFailure {
			return nil, types.ArgumentError("--preview cannot be combined with --retry or --last-failure")
		}
		return launch.Preview{}, nil
	case f.lastFailure:
		if retrying {
			return nil, types.ArgumentError("--last-failure cannot be combined with --retry")
		}
		if len(vars) > 0 {
			return nil, types.ArgumentError("--var cannot be combined with --last-failure")
		}
		return launch.LastFailure{}, nil
	case retrying:
		if len(vars) > 0 {
			return launch.RetryWithVariables{ReplayID: f.replayID, RunIndex: f.runIndex, Variables: vars}, nil
		}
		return launch.Retry{ReplayID: f.replayID, RunIndex: f.runIndex}, nil
	case f.replayID != "":
		return nil, types.ArgumentError("--replay requires --retry")
	default:
		return launch.NoRetry{Variables: vars}, nil
	}
}

// resolveBuilder returns the file workflow at path when set, otherwise the
// registered workflow called name.
func resolveBuilder(name, path string) (workflow.Builder, error) {
	if strings.TrimSpace(path) != "" {
		b, err := workflow.NewFileBuilderFromPath(path)
		if err != nil {
			return nil, types.ConfigurationError("%w", err)
		}
		return b, nil
	}
	name = strings.TrimSpace(name)
	b, ok := workflow.Get(name)
	if !ok {
		return nil, types.ArgumentError("unknown workflow %q (available: %s)", name, strings.Join(workflow.Names(), ", "))
	}
	return b, nil
}

// readInput joins args into the workflow input. A single "-" reads stdin.
func readInput(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(strings.Join(args, " ")), nil
}
