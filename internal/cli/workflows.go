package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	_ "github.com/PipeOpsHQ/execflow/graphs/basic"
	_ "github.com/PipeOpsHQ/execflow/graphs/chain"
	_ "github.com/PipeOpsHQ/execflow/graphs/mapreduce"
	_ "github.com/PipeOpsHQ/execflow/graphs/router"
	"github.com/PipeOpsHQ/execflow/workflow"
)

type workflowInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// NewWorkflowsCommand lists the registered workflows.
func NewWorkflowsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List registered workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := make([]workflowInfo, 0)
			for _, name := range workflow.Names() {
				b, _ := workflow.Get(name)
				infos = append(infos, workflowInfo{Name: name, Description: b.Description()})
			}
			w := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(w, infos)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\n", info.Name, info.Description)
			}
			return tw.Flush()
		},
	}
}
