package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/taskforge/pkg/model"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Aliases: []string{"t"},
		Short:   "Inspect tasks",
	}
	cmd.AddCommand(newTaskShowCmd(), newTaskScheduleCmd())
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task_id>",
		Short: "Show a task with its subtask outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/tasks/"+args[0])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			var t model.TaskDetail
			if err := resp.decode(&t); err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), t, func(w io.Writer) {
				fmt.Fprintf(w, "Task: %s\n", t.ID)
				fmt.Fprintf(w, "  Instance: %s\n", t.InstanceID)
				fmt.Fprintf(w, "  Module:   %d. %s\n", t.ModuleIndex, t.ModuleName)
				fmt.Fprintf(w, "  State:    %s\n", t.State)
				fmt.Fprintf(w, "  Subtasks: %s\n", summaryLine(t.Summary))
				fmt.Fprintf(w, "  Dir:      %s\n", t.WorkingDir)
				fmt.Fprintf(w, "  Restarts: %d\n", t.RestartCount)
				fmt.Fprintf(w, "  Updated:  %s\n", ago(t.UpdatedAt))
				if t.ErrorMessage != "" {
					fmt.Fprintf(w, "  Error:    %s\n", t.ErrorMessage)
				}
				var failed []string
				for _, o := range t.Outcomes {
					if o.State == model.SubtaskStateFailed {
						failed = append(failed, fmt.Sprintf("st-%d", o.Index))
					}
				}
				if len(failed) > 0 {
					fmt.Fprintf(w, "  Failed:   %s\n", strings.Join(failed, " "))
				}
			})
		},
	}
}

func newTaskScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <task_id>",
		Short: "Show the persisted subtask schedule of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/tasks/"+args[0]+"/schedule")
			if err != nil {
				return fmt.Errorf("get schedule: %w", err)
			}
			var view model.ScheduleView
			if err := resp.decode(&view); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), view, func(w io.Writer) { printSchedule(w, view) })
		},
	}
}

// printSchedule renders a schedule view as a table, flagging directories
// on disk that the schedule does not account for.
func printSchedule(w io.Writer, v model.ScheduleView) {
	fmt.Fprintf(w, "Schedule: %s\n", v.TaskDir)
	fmt.Fprintf(w, "  Inputs:   %s\n", v.InputKind)
	fmt.Fprintf(w, "  Outputs:  %s\n", v.OutputKind)
	fmt.Fprintf(w, "  Subtasks: %d\n", v.Count)
	fmt.Fprintf(w, "  Hash:     %s\n", v.Hash)
	for i, p := range v.Phases {
		fmt.Fprintf(w, "  Phase %d:  %v\n", i, p)
	}
	fmt.Fprintf(w, "\n%-6s  %-8s  %s\n", "INDEX", "RESERVED", "INPUTS")
	for _, st := range v.Subtasks {
		fmt.Fprintf(w, "%-6d  %-8t  %s\n", st.Index, st.Reserved, strings.Join(st.Inputs, " "))
	}

	var extra []string
	for _, idx := range v.DirsOnDisk {
		if idx >= v.Count {
			extra = append(extra, fmt.Sprintf("st-%d", idx))
		}
	}
	if len(extra) > 0 {
		fmt.Fprintf(w, "\nDirectories not in schedule: %s\n", strings.Join(extra, " "))
	}
}
