package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/execflow/graph"
	"github.com/PipeOpsHQ/execflow/launch"
	"github.com/PipeOpsHQ/execflow/types"
	"github.com/PipeOpsHQ/execflow/workflow"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	WorkflowFile string
	Vars         []string
	MetricsAddr  string
	Quiet        bool
	Timeout      time.Duration
	retry        retryFlags
}

// RunResult is the JSON output of the run command.
type RunResult struct {
	WorkflowID string      `json:"workflow_id"`
	RunID      string      `json:"run_id"`
	RunIndex   int         `json:"run_index"`
	ReplayID   string      `json:"replay_id,omitempty"`
	SourceID   string      `json:"source_id"`
	Status     string      `json:"status"`
	Output     string      `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	Usage      types.Usage `json:"usage"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <workflow> [input...]",
		Short: "Execute a workflow as a new run or retry an existing one",
		Long: `Execute a registered workflow, or the workflow defined in --workflow-file.

Without retry flags a new run is created. --retry re-executes an existing run
and reuses every checkpoint stored before the --replay key. --last-failure
re-executes the most recent run of the workflow.

Examples:
  execflow run basic "what is 2+2?"
  execflow run map-reduce - < notes.txt
  execflow run map-reduce --retry 3 --replay reduce
  execflow run basic --last-failure
  execflow run --workflow-file flow.yaml --var persona='"Be brief."' "question"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.WorkflowFile, "workflow-file", "f", "", "load the workflow from a JSON or YAML file")
	cmd.Flags().StringArrayVar(&opts.Vars, "var", nil, "run variable as key=value (repeatable, JSON values allowed)")
	cmd.Flags().IntVar(&opts.retry.runIndex, "retry", 0, "re-execute the run with this index")
	cmd.Flags().StringVar(&opts.retry.replayID, "replay", "", "checkpoint key to replay from (with --retry)")
	cmd.Flags().BoolVar(&opts.retry.lastFailure, "last-failure", false, "re-execute the most recent run")
	cmd.Flags().BoolVar(&opts.retry.preview, "preview", false, "preview a run without executing it")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "do not print events")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "abort the run after this duration")

	return cmd
}

func runWorkflow(cmd *cobra.Command, opts *RunOptions, args []string) error {
	name := ""
	if opts.WorkflowFile == "" {
		if len(args) == 0 {
			return types.ArgumentError("workflow name is required (available: %v)", workflow.Names())
		}
		name, args = args[0], args[1:]
	}
	builder, err := resolveBuilder(name, opts.WorkflowFile)
	if err != nil {
		return err
	}
	vars, err := parseVars(opts.Vars)
	if err != nil {
		return err
	}
	strategy, err := opts.retry.strategy(vars)
	if err != nil {
		return err
	}
	input, err := readInput(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := openEnvironment(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer env.Close()

	return executeWorkflow(ctx, env, builder, input, strategy, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// executeWorkflow launches builder's executor and reports the outcome on
// stdout. Events go to stderr unless quiet or JSON output is requested.
func executeWorkflow(ctx context.Context, env *environment, builder workflow.Builder, input string, strategy launch.RetryStrategy, opts *RunOptions, stdout, stderr io.Writer) error {
	exec, err := builder.NewExecutor(workflow.Deps{Models: env.models, Config: env.cfg, Logger: env.logger})
	if err != nil {
		return err
	}

	var consoleOut io.Writer
	if opts.Format == "text" && !opts.Quiet {
		consoleOut = stderr
	}
	sink, stop, err := env.sinks(sinkOptions{console: consoleOut, verbose: opts.Verbose, metricsAddr: opts.MetricsAddr})
	if err != nil {
		return err
	}
	defer stop()

	launcher := &launch.Launcher[string, graph.State]{
		WorkflowID: builder.Name(),
		Exec:       exec,
		Store:      env.store,
		Config:     env.cfg,
		Logger:     env.logger,
		Format:     func(s graph.State) string { return s.Output },
	}
	if locker, ok := env.store.(launch.RunLocker); ok {
		launcher.Locker = locker
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	outcome, runErr := launcher.Run(ctx, input, strategy, sink)
	if runErr != nil && !outcome.Executed {
		// Nothing executed.
		return runErr
	}

	result := RunResult{
		WorkflowID: builder.Name(),
		RunID:      outcome.Run.RunID,
		RunIndex:   outcome.Run.RunIndex,
		ReplayID:   outcome.Run.ReplayID,
		SourceID:   outcome.SourceID,
		Status:     "completed",
		Output:     outcome.Output.Output,
		Usage:      outcome.Usage,
	}
	if runErr != nil {
		result.Status = "failed"
		result.Error = runErr.Error()
	}

	if opts.Format == "json" {
		if err := writeJSON(stdout, result); err != nil {
			return err
		}
	} else {
		if result.Output != "" {
			fmt.Fprintln(stdout, result.Output)
		}
		fmt.Fprintf(stderr, "run %d of %s %s (run id %s, events %s)\n",
			result.RunIndex, result.WorkflowID, result.Status, result.RunID, result.SourceID)
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("run %d of %s failed", result.RunIndex, result.WorkflowID), runErr)
	}
	return nil
}
