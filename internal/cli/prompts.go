package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/execflow/prompt"
	"github.com/PipeOpsHQ/execflow/types"
)

// PromptsOptions holds flags for the prompts commands.
type PromptsOptions struct {
	*RootOptions
	Dir  string
	Vars []string
}

// NewPromptsCommand creates the prompts command group.
func NewPromptsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PromptsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "List, show and render judge prompt templates",
	}
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "", "also load .json specs and .hbs templates from this directory")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered prompt templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadPrompts(opts.Dir)
			if err != nil {
				return err
			}
			return listPrompts(reg, opts.Format, cmd.OutOrStdout())
		},
	}

	show := &cobra.Command{
		Use:   "show <name[@version]>",
		Short: "Print a prompt template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadPrompts(opts.Dir)
			if err != nil {
				return err
			}
			spec, ok := reg.Resolve(args[0])
			if !ok {
				return types.ArgumentError("prompt %q not found (available: %s)", args[0], strings.Join(reg.Names(), ", "))
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), spec)
			}
			fmt.Fprintln(cmd.OutOrStdout(), spec.Template)
			return nil
		},
	}

	render := &cobra.Command{
		Use:   "render <name[@version]>",
		Short: "Render a prompt template with config globals and --var values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadPrompts(opts.Dir)
			if err != nil {
				return err
			}
			vars, err := parseVars(opts.Vars)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.RootOptions)
			if err != nil {
				return err
			}
			out, err := prompt.NewRenderer(cfg.Globals).RenderSpec(reg, args[0], vars)
			if err != nil {
				return types.ArgumentError("%w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	render.Flags().StringArrayVar(&opts.Vars, "var", nil, "template variable as key=value (repeatable)")

	cmd.AddCommand(list, show, render)
	return cmd
}

// loadPrompts returns the built-in templates plus those found in dir.
func loadPrompts(dir string) (*prompt.Registry, error) {
	reg := prompt.NewRegistry()
	prompt.RegisterBuiltins(reg)
	if _, err := prompt.LoadDir(reg, dir); err != nil {
		return nil, types.ConfigurationError("failed to load prompts from %q: %w", dir, err)
	}
	return reg, nil
}

func listPrompts(reg *prompt.Registry, format string, w io.Writer) error {
	specs := reg.List()
	if format == "json" {
		return writeJSON(w, specs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tVARIABLES\tDESCRIPTION")
	for _, spec := range specs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", spec.Name, spec.Version, strings.Join(spec.Variables, ","), spec.Description)
	}
	return tw.Flush()
}
