package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/me/taskforge/internal/subtask"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Work with persisted subtask schedules directly on disk",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <task_dir>",
		Short: "Read and validate the schedule in a task directory without a server",
		Args:  cobra.ExactArgs(1),
		// Offline: no client or server needed.
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := subtask.Inspect(args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), view, func(w io.Writer) { printSchedule(w, view) })
		},
	})
	return cmd
}
