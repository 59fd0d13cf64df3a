package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/observe/console"
	observestore "github.com/PipeOpsHQ/execflow/observe/store"
	"github.com/PipeOpsHQ/execflow/types"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Limit   int
	Follow  bool
	Summary bool
	Since   time.Duration
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events [source-id]",
		Short: "Show the events recorded for a run",
		Long: `Show the events recorded for one launch, identified by the root source id
printed by "execflow run". Without an id the most recent launches are listed.

--follow reads the live Redis stream (trace.redis_addr) until the launch ends.
--summary aggregates the trace store instead of listing events.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnvironment(cmd, opts.RootOptions, func(ctx context.Context, env *environment) error {
				w := cmd.OutOrStdout()
				switch {
				case opts.Summary:
					return summarizeEvents(ctx, env.traces, opts.Since, w)
				case len(args) == 0:
					return listLaunches(ctx, env.traces, opts.Limit, opts.Format, w)
				case opts.Follow:
					if env.stream == nil {
						return types.ConfigurationError("--follow requires trace.redis_addr")
					}
					events, errs := env.stream.Subscribe(ctx, args[0], time.Second)
					if err := renderEvents(ctx, events, opts.Format, opts.Verbose, w); err != nil {
						return err
					}
					return <-errs
				default:
					return showEvents(ctx, env.traces, args[0], opts.Limit, opts.Format, opts.Verbose, w)
				}
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events or launches (0 for all)")
	cmd.Flags().BoolVar(&opts.Follow, "follow", false, "follow the live event stream")
	cmd.Flags().BoolVar(&opts.Summary, "summary", false, "print aggregate counts instead of events")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "with --summary, only count events this recent")

	return cmd
}

func requireTraces(traces observestore.Store) error {
	if traces == nil {
		return types.ConfigurationError("trace store is not available (trace.sqlite_path)")
	}
	return nil
}

func listLaunches(ctx context.Context, traces observestore.Store, limit int, format string, w io.Writer) error {
	if err := requireTraces(traces); err != nil {
		return err
	}
	if limit <= 0 {
		limit = 20
	}
	ids, err := traces.ListRuns(ctx, observestore.ListQuery{Limit: limit})
	if err != nil {
		return fmt.Errorf("list launches: %w", err)
	}
	if format == "json" {
		return writeJSON(w, ids)
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

func showEvents(ctx context.Context, traces observestore.Store, sourceID string, limit int, format string, verbose bool, w io.Writer) error {
	if err := requireTraces(traces); err != nil {
		return err
	}
	records, err := traces.ListByRun(ctx, sourceID, observestore.ListQuery{Limit: limit})
	if err != nil {
		return fmt.Errorf("list events of %s: %w", sourceID, err)
	}
	if len(records) == 0 {
		return types.ArgumentError("no events recorded for %q", sourceID)
	}
	if format == "json" {
		return writeJSON(w, records)
	}
	events := make(chan observe.Event, len(records))
	for _, r := range records {
		e, err := r.Event()
		if err != nil {
			return fmt.Errorf("decode event of %s: %w", r.SourceID, err)
		}
		events <- e
	}
	close(events)
	return renderEvents(ctx, events, format, verbose, w)
}

// renderEvents prints events until the channel is closed.
func renderEvents(ctx context.Context, events <-chan observe.Event, format string, verbose bool, w io.Writer) error {
	var sink observe.Sink = console.New(w, console.WithVerbose(verbose), console.WithColor(false))
	if format == "json" {
		sink = observe.SinkFunc(func(_ context.Context, e observe.Event) error {
			return writeJSON(w, e)
		})
	}
	for e := range events {
		if err := sink.Emit(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func summarizeEvents(ctx context.Context, traces observestore.Store, since time.Duration, w io.Writer) error {
	if err := requireTraces(traces); err != nil {
		return err
	}
	query := observestore.MetricsQuery{}
	if since > 0 {
		t := time.Now().Add(-since)
		query.Since = &t
	}
	summary, err := traces.AggregateMetrics(ctx, query)
	if err != nil {
		return fmt.Errorf("aggregate events: %w", err)
	}
	return writeJSON(w, summary)
}
