package cli

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/taskforge/internal/lifecycle"
	"github.com/me/taskforge/internal/recovery"
	"github.com/me/taskforge/pkg/model"
)

func newInstanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"i"},
		Short:   "Inspect and recover pipeline instances",
	}
	cmd.AddCommand(
		newInstanceListCmd(),
		newInstanceShowCmd(),
		newInstanceResetCmd(),
		newInstanceCancelCmd(),
		newInstanceRecomputeCmd(),
	)
	return cmd
}

func newInstanceListCmd() *cobra.Command {
	var (
		state  string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))
			if state != "" {
				q.Set("state", state)
			}
			resp, err := client.Get(cmd.Context(), "/api/v1/instances/?"+q.Encode())
			if err != nil {
				return fmt.Errorf("list instances: %w", err)
			}
			var insts []model.Instance
			if err := resp.decode(&insts); err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), insts, func(w io.Writer) {
				if len(insts) == 0 {
					fmt.Fprintln(w, "No instances found.")
					return
				}
				fmt.Fprintf(w, "%-42s  %-12s  %-20s  %-40s  %s\n", "ID", "STATE", "PIPELINE", "TASKS", "UPDATED")
				for _, inst := range insts {
					fmt.Fprintf(w, "%-42s  %-12s  %-20s  %-40s  %s\n",
						inst.ID, inst.State, inst.PipelineName, countsLine(inst.TaskCounts), ago(inst.UpdatedAt))
				}
				if resp.Pagination != nil && resp.Pagination.HasMore {
					fmt.Fprintf(w, "\n(%d of %d shown)\n", len(insts), resp.Pagination.Total)
				}
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only instances in this state")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum instances to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Instances to skip")
	return cmd
}

func newInstanceShowCmd() *cobra.Command {
	var stalledAfter time.Duration
	cmd := &cobra.Command{
		Use:   "show <instance_id>",
		Short: "Show an instance and the processing state of its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/instances/"+args[0])
			if err != nil {
				return fmt.Errorf("get instance: %w", err)
			}
			var inst model.Instance
			if err := resp.decode(&inst); err != nil {
				return err
			}

			now := time.Now()
			return render(cmd.OutOrStdout(), inst, func(w io.Writer) {
				fmt.Fprintf(w, "Instance: %s (%s)\n", inst.ID, inst.Name)
				fmt.Fprintf(w, "  Pipeline: %s\n", inst.PipelineName)
				fmt.Fprintf(w, "  State:    %s\n", inst.State)
				fmt.Fprintf(w, "  Tasks:    %s\n", countsLine(inst.TaskCounts))
				fmt.Fprintf(w, "  Created:  %s\n", ago(inst.CreatedAt))
				if len(inst.Tasks) == 0 {
					return
				}
				fmt.Fprintln(w, "  Modules:")
				for _, t := range inst.Tasks {
					line := fmt.Sprintf("    %d. %-16s %-11s %-28s updated %s",
						t.ModuleIndex, t.ModuleName, t.State, summaryLine(t.Summary), ago(t.UpdatedAt))
					if stalledAfter > 0 && lifecycle.Stalled(&t, t.Summary, stalledAfter, now) {
						line += "  [stalled]"
					}
					fmt.Fprintln(w, line)
					fmt.Fprintf(w, "       %s\n", t.ID)
					if t.ErrorMessage != "" {
						fmt.Fprintf(w, "       error: %s\n", t.ErrorMessage)
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&stalledAfter, "stalled-after", 30*time.Minute, "Flag active tasks with no progress for this long (0 disables)")
	return cmd
}

func newInstanceResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <instance_id> <s|a|task_id,...>",
		Short: "Move stalled tasks of an instance to ERROR",
		Long: `Move stalled tasks of an instance to ERROR so they can be restarted.

  s             reset SUBMITTED tasks
  a             reset SUBMITTED and PROCESSING tasks
  id1,id2,...   reset the listed tasks if SUBMITTED or PROCESSING

Only reset PROCESSING tasks whose workers are known to be dead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := recovery.ParseResetSelector(args[1])
			if err != nil {
				return err
			}
			resp, err := client.Post(cmd.Context(), "/api/v1/instances/"+args[0]+"/reset", model.ResetRequest{
				IncludeProcessing: sel.IncludeProcessing,
				TaskIDs:           sel.TaskIDs,
			})
			if err != nil {
				return fmt.Errorf("reset instance: %w", err)
			}
			var res model.ResetResult
			if err := resp.decode(&res); err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "Instance %s: %d tasks reset, now %s\n", res.InstanceID, len(res.ResetTaskIDs), res.InstanceState)
				for _, id := range res.ResetTaskIDs {
					fmt.Fprintf(w, "  %s\n", id)
				}
				if !res.Recomputed {
					fmt.Fprintf(w, "Instance state was not recomputed; run 'taskforge instance recompute %s'\n", res.InstanceID)
				}
			})
		},
	}
}

func newInstanceCancelCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "cancel [instance_id]",
		Short: "Cancel an instance, or every active instance with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no instance id")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("expected an instance id or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				resp, err := client.Put(cmd.Context(), "/api/v1/instances/cancel", nil)
				if err != nil {
					return fmt.Errorf("cancel instances: %w", err)
				}
				var res model.CancelResult
				if err := resp.decode(&res); err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "%d instances cancelled\n", len(res.Cancelled))
					for _, id := range res.Cancelled {
						fmt.Fprintf(w, "  %s\n", id)
					}
				})
			}

			resp, err := client.Put(cmd.Context(), "/api/v1/instances/"+args[0]+"/cancel", nil)
			if err != nil {
				return fmt.Errorf("cancel instance: %w", err)
			}
			var inst model.Instance
			if err := resp.decode(&inst); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), inst, func(w io.Writer) {
				fmt.Fprintf(w, "Instance %s: %s (%s)\n", inst.ID, inst.State, countsLine(inst.TaskCounts))
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Cancel every instance that is not finished")
	return cmd
}

func newInstanceRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <instance_id>",
		Short: "Re-derive an instance's state and task counts from its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post(cmd.Context(), "/api/v1/instances/"+args[0]+"/recompute", nil)
			if err != nil {
				return fmt.Errorf("recompute instance: %w", err)
			}
			var inst model.Instance
			if err := resp.decode(&inst); err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), inst, func(w io.Writer) {
				fmt.Fprintf(w, "Instance %s: %s (%s)\n", inst.ID, inst.State, countsLine(inst.TaskCounts))
			})
		},
	}
}
