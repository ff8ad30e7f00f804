package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/taskforge/internal/pipeline"
	"github.com/me/taskforge/pkg/model"
)

func newPipelinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List the pipelines the server has loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/pipelines")
			if err != nil {
				return fmt.Errorf("list pipelines: %w", err)
			}
			var defs []pipeline.Definition
			if err := resp.decode(&defs); err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), defs, func(w io.Writer) {
				if len(defs) == 0 {
					fmt.Fprintln(w, "No pipelines loaded.")
					return
				}
				fmt.Fprintf(w, "%-24s  %s\n", "PIPELINE", "MODULES")
				for _, d := range defs {
					names := make([]string, len(d.Modules))
					for i, m := range d.Modules {
						names[i] = m.Name
					}
					fmt.Fprintf(w, "%-24s  %s\n", d.Name, strings.Join(names, " -> "))
				}
			})
		},
	}
}

func newFireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fire <pipeline> [name]",
		Short: "Start a new instance of a pipeline",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.FireRequest{Pipeline: args[0]}
			if len(args) > 1 {
				req.Name = args[1]
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/instances/", req)
			if err != nil {
				return fmt.Errorf("fire pipeline: %w", err)
			}
			var inst model.Instance
			if err := resp.decode(&inst); err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), inst, func(w io.Writer) {
				fmt.Fprintf(w, "Instance %s (%s) fired with %d tasks\n", inst.ID, inst.Name, len(inst.Tasks))
			})
		},
	}
}
