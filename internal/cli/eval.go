package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/execflow/eval"
	"github.com/PipeOpsHQ/execflow/execute"
	"github.com/PipeOpsHQ/execflow/graph"
	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/types"
	"github.com/PipeOpsHQ/execflow/workflow"
)

// EvalOptions holds flags for the eval command.
type EvalOptions struct {
	*RootOptions
	WorkflowFile   string
	Dataset        string
	Samples        int
	FailUnder      float64
	MaxCases       int
	Workers        int
	Retries        int
	RetryBackoff   time.Duration
	CaseTimeout    time.Duration
	Timeout        time.Duration
	MinConsistency float64
	PromptsDir     string
}

// NewEvalCommand creates the eval command.
func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "eval [workflow] --dataset cases.jsonl",
		Short: "Measure how consistently a workflow answers a dataset",
		Long: `Sample the workflow several times per dataset case, judge every pair of
samples and report pass rate and consistency. The command fails when the pass
rate is below --fail-under.

Examples:
  execflow eval basic --dataset cases.jsonl
  execflow eval map-reduce --dataset docs.jsonl --samples 3 --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "basic"
			if len(args) == 1 {
				name = args[0]
			}
			builder, err := resolveBuilder(name, opts.WorkflowFile)
			if err != nil {
				return err
			}
			cases, err := eval.LoadJSONL(opts.Dataset)
			if err != nil {
				return types.ArgumentError("failed to load dataset: %w", err)
			}
			return withEnvironment(cmd, opts.RootOptions, func(ctx context.Context, env *environment) error {
				return evaluateWorkflow(ctx, env, builder, cases, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
		},
	}

	cmd.Flags().StringVarP(&opts.WorkflowFile, "workflow-file", "f", "", "load the workflow from a JSON or YAML file")
	cmd.Flags().StringVar(&opts.Dataset, "dataset", "", "JSONL dataset of cases (required)")
	_ = cmd.MarkFlagRequired("dataset")
	cmd.Flags().IntVar(&opts.Samples, "samples", 0, "samples per case (default eval.samples)")
	cmd.Flags().Float64Var(&opts.FailUnder, "fail-under", 100, "minimum pass rate in percent")
	cmd.Flags().IntVar(&opts.MaxCases, "max-cases", 0, "evaluate at most this many cases")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "cases evaluated concurrently")
	cmd.Flags().IntVar(&opts.Retries, "retries", 1, "retries per failed case")
	cmd.Flags().DurationVar(&opts.RetryBackoff, "retry-backoff", 400*time.Millisecond, "base backoff between retries")
	cmd.Flags().DurationVar(&opts.CaseTimeout, "case-timeout", 0, "timeout per case")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "timeout for the whole evaluation")
	cmd.Flags().StringVar(&opts.PromptsDir, "prompts-dir", "", "load judge prompt templates from this directory")
	cmd.Flags().Float64Var(&opts.MinConsistency, "min-consistency", 0, "consistency below which a case fails (default eval.threshold)")

	return cmd
}

func evaluateWorkflow(ctx context.Context, env *environment, builder workflow.Builder, cases []eval.Case, opts *EvalOptions, stdout, stderr io.Writer) error {
	// The target runs once per sample; sampling is the outer evaluator's job.
	targetCfg := *env.cfg
	targetCfg.Eval.Samples = 1
	exec, err := builder.NewExecutor(workflow.Deps{Models: env.models, Config: &targetCfg, Logger: env.logger})
	if err != nil {
		return err
	}

	evalCfg := env.cfg.Eval
	if opts.Samples > 0 {
		evalCfg.Samples = opts.Samples
	}
	output := func(s graph.State) string { return s.Output }
	evaluator := eval.NewEvaluator[string, graph.State](exec, evalCfg, env.models)
	evaluator.Format = output
	if evaluator.Prompts, err = loadPrompts(opts.PromptsDir); err != nil {
		return err
	}
	runner, err := eval.NewRunner[graph.State](evaluator, output)
	if err != nil {
		return err
	}

	var consoleOut io.Writer
	if opts.Format == "text" && opts.Verbose {
		consoleOut = stderr
	}
	sink, stop, err := env.sinks(sinkOptions{console: consoleOut, verbose: opts.Verbose})
	if err != nil {
		return err
	}
	defer stop()

	ec := execute.NewContext(observe.NewSource(observe.SourceWorkflow), observe.NewTracker(sink),
		execute.WithConfig(env.cfg),
		execute.WithLogger(env.logger),
	)
	if err := ec.Start(ctx, "eval "+builder.Name(), map[string]any{"dataset": opts.Dataset, "cases": len(cases)}); err != nil {
		return err
	}
	report, runErr := runner.Run(ctx, ec, cases, eval.RunOptions{
		DatasetPath:    opts.Dataset,
		MaxCases:       opts.MaxCases,
		Workers:        opts.Workers,
		Retries:        opts.Retries,
		RetryBackoff:   opts.RetryBackoff,
		CaseTimeout:    opts.CaseTimeout,
		Timeout:        opts.Timeout,
		MinConsistency: opts.MinConsistency,
	})
	if err := ec.Finish(context.WithoutCancel(ctx), runErr); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "evaluation failed", runErr)
	}

	if opts.Format == "json" {
		if err := writeJSON(stdout, report); err != nil {
			return err
		}
	} else {
		writeReportMarkdown(stdout, report)
	}
	if report.PassRate < opts.FailUnder {
		return WrapExitError(ExitFailure, fmt.Sprintf("pass rate %.2f%% is below fail-under %.2f%%", report.PassRate, opts.FailUnder), nil)
	}
	return nil
}

func writeReportMarkdown(w io.Writer, report eval.Report) {
	fmt.Fprintf(w, "# Consistency report\n\n")
	if report.Dataset != "" {
		fmt.Fprintf(w, "Dataset: `%s`\n\n", report.Dataset)
	}
	fmt.Fprintf(w, "| Cases | Passed | Failed | Pass rate | Avg consistency | Low | Judge errors | p50 | p95 |\n")
	fmt.Fprintf(w, "|---|---|---|---|---|---|---|---|---|\n")
	fmt.Fprintf(w, "| %d | %d | %d | %.1f%% | %.3f | %d | %d | %dms | %dms |\n\n",
		report.Total, report.Passed, report.Failed, report.PassRate, report.AvgConsistency,
		report.LowConsistency, report.JudgeErrors, report.LatencyP50Ms, report.LatencyP95Ms)

	if len(report.PerTag) > 0 {
		tags := make([]string, 0, len(report.PerTag))
		for tag := range report.PerTag {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		fmt.Fprintf(w, "## Tags\n\n| Tag | Cases | Pass rate | Avg consistency |\n|---|---|---|---|\n")
		for _, tag := range tags {
			m := report.PerTag[tag]
			fmt.Fprintf(w, "| %s | %d | %.1f%% | %.3f |\n", tag, m.Total, m.PassRate, m.AvgConsistency)
		}
		fmt.Fprintln(w)
	}

	var failed []eval.CaseResult
	for _, res := range report.Results {
		if !res.Pass {
			failed = append(failed, res)
		}
	}
	if len(failed) == 0 {
		return
	}
	fmt.Fprintf(w, "## Failures\n\n")
	for _, res := range failed {
		reason := res.Error
		if reason == "" {
			var checks []string
			for _, c := range res.Checks {
				if !c.Pass {
					checks = append(checks, c.Name+": "+c.Detail)
				}
			}
			reason = strings.Join(checks, "; ")
		}
		fmt.Fprintf(w, "- `%s` (consistency %.3f): %s\n", res.CaseID, res.Consistency, reason)
	}
}
