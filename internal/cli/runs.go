package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/execflow/state"
	"github.com/PipeOpsHQ/execflow/types"
)

// RunsOptions holds flags for the runs commands.
type RunsOptions struct {
	*RootOptions
	Status string
	Limit  int
}

// NewRunsCommand creates the runs command group.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted runs",
	}

	list := &cobra.Command{
		Use:   "list [workflow]",
		Short: "List runs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := state.ListRunsQuery{Status: state.RunStatus(opts.Status), Limit: opts.Limit}
			if len(args) == 1 {
				query.WorkflowID = args[0]
			}
			return withEnvironment(cmd, opts.RootOptions, func(ctx context.Context, env *environment) error {
				return listRuns(ctx, env.store, query, opts.Format, cmd.OutOrStdout())
			})
		},
	}
	list.Flags().StringVar(&opts.Status, "status", "", "only runs with this status (pending|running|completed|failed)")
	list.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs")

	last := &cobra.Command{
		Use:   "last <workflow>",
		Short: "Show the most recent run of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd, opts.RootOptions, func(ctx context.Context, env *environment) error {
				run, err := env.store.LastRun(ctx, args[0])
				if err != nil {
					return fmt.Errorf("no runs of %q: %w", args[0], err)
				}
				return showRun(ctx, env.store, run, opts.Format, cmd.OutOrStdout())
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd, opts.RootOptions, func(ctx context.Context, env *environment) error {
				run, err := env.store.LoadRun(ctx, args[0])
				if err != nil {
					return fmt.Errorf("load run %s: %w", args[0], err)
				}
				return showRun(ctx, env.store, run, opts.Format, cmd.OutOrStdout())
			})
		},
	}

	cmd.AddCommand(list, last, show)
	return cmd
}

func withEnvironment(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, env *environment) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := openEnvironment(ctx, opts)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func listRuns(ctx context.Context, store state.Store, query state.ListRunsQuery, format string, w io.Writer) error {
	switch query.Status {
	case "", state.RunPending, state.RunRunning, state.RunCompleted, state.RunFailed:
	default:
		return types.ArgumentError("unknown run status %q", query.Status)
	}
	runs, err := store.ListRuns(ctx, query)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if format == "json" {
		return writeJSON(w, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKFLOW\tINDEX\tSTATUS\tATTEMPTS\tUPDATED\tRUN ID")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n",
			run.WorkflowID, run.RunIndex, run.Status, run.Attempts, ago(run.UpdatedAt), run.RunID)
	}
	return tw.Flush()
}

type runDetail struct {
	state.RunRecord
	Checkpoints []checkpointSummary `json:"checkpoints"`
}

type checkpointSummary struct {
	Key       string    `json:"key"`
	Seq       int       `json:"seq"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"createdAt"`
}

func showRun(ctx context.Context, store state.Store, run state.RunRecord, format string, w io.Writer) error {
	checkpoints, err := store.ListCheckpoints(ctx, run.RunID, 0)
	if err != nil {
		return fmt.Errorf("list checkpoints of %s: %w", run.RunID, err)
	}
	detail := runDetail{RunRecord: run, Checkpoints: make([]checkpointSummary, 0, len(checkpoints))}
	for _, cp := range checkpoints {
		detail.Checkpoints = append(detail.Checkpoints, checkpointSummary{
			Key: cp.Key, Seq: cp.Seq, Bytes: len(cp.Value), CreatedAt: cp.CreatedAt,
		})
	}
	if format == "json" {
		return writeJSON(w, detail)
	}

	fmt.Fprintf(w, "run %d of %s (%s)\n", run.RunIndex, run.WorkflowID, run.RunID)
	fmt.Fprintf(w, "  status:   %s after %d attempt(s), updated %s\n", run.Status, run.Attempts, ago(run.UpdatedAt))
	if len(run.Variables) > 0 {
		fmt.Fprintf(w, "  vars:     %v\n", run.Variables)
	}
	if run.Usage != nil && run.Usage.TotalTokens > 0 {
		fmt.Fprintf(w, "  tokens:   %s\n", humanize.Comma(int64(run.Usage.TotalTokens)))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", run.Error)
	}
	if run.Output != "" {
		fmt.Fprintf(w, "  output:   %s\n", strings.ReplaceAll(run.Output, "\n", "\n            "))
	}
	if len(detail.Checkpoints) > 0 {
		fmt.Fprintln(w, "  checkpoints:")
		for _, cp := range detail.Checkpoints {
			fmt.Fprintf(w, "    %3d  %-24s %s\n", cp.Seq, cp.Key, humanize.Bytes(uint64(cp.Bytes)))
		}
	}
	return nil
}

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return humanize.Time(*t)
}
