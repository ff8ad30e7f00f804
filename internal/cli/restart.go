package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/taskforge/pkg/model"
)

func newRestartCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "restart <task_id>...",
		Short: "Restart failed tasks",
		Long: `Restart tasks in ERROR or PARTIAL (or COMPLETED, from the beginning only).

By default the task's inputs are partitioned again and every subtask runs.
With --resume the persisted schedule is kept and only subtasks that did not
complete are submitted. Every id is checked before any task is restarted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []string
			for _, a := range args {
				for _, id := range strings.Split(a, ",") {
					if id = strings.TrimSpace(id); id != "" {
						ids = append(ids, id)
					}
				}
			}
			mode := model.RestartFromBeginning
			if resume {
				mode = model.RestartResume
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/tasks/restart", model.RestartRequest{TaskIDs: ids, Mode: mode})
			if err != nil {
				return fmt.Errorf("restart tasks: %w", err)
			}
			var res model.RestartResult
			if err := resp.decode(&res); err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "%d tasks restarted (%s)\n", len(res.Restarted), res.Mode)
				for _, r := range res.Restarted {
					fmt.Fprintf(w, "  %s: %d subtasks submitted\n", r.TaskID, len(r.Submitted))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "Keep the schedule and re-run only unfinished subtasks")
	return cmd
}
