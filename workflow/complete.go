package workflow

import (
	"context"
	"strings"

	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/llm"
	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/types"
)

// Complete renders template with the input variables, sends it to client
// and returns the trimmed response. Token usage is reported on the calling
// Source.
func Complete(client llm.Client, template string) execute.Executable[map[string]any, string] {
	return execute.Func[map[string]any, string](func(ctx context.Context, ec *execute.ExecutionContext, vars map[string]any) (string, error) {
		if client == nil {
			return "", types.ConfigurationError("completion needs a model client")
		}
		prompt, err := ec.Render(template, vars)
		if err != nil {
			return "", types.ArgumentError("render prompt: %w", err)
		}
		resp, err := llm.Complete(ctx, client, prompt)
		if err != nil {
			return "", err
		}
		if resp.Usage != nil {
			_ = ec.Emit(ctx, observe.UsageReported{Usage: *resp.Usage})
		}
		return strings.TrimSpace(resp.Text), nil
	})
}

// Vars maps a single string onto the template variable name.
func Vars(name string) execute.ParamMapper[string, map[string]any] {
	return execute.MapValue(func(v string) (map[string]any, error) {
		return map[string]any{name: v}, nil
	})
}
