// Package cli implements the taskforge operator command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/taskforge/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagOutput    string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking TASKFORGE_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("TASKFORGE_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the taskforge CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskforge",
		Short: "Pipeline task coordinator console",
		Long:  "taskforge fires pipeline instances, inspects their tasks and subtask schedules, and resets or restarts failed work.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flagDebug {
				flagLogLevel = "debug"
			}
			if err := logging.ValidateFormat(flagLogFormat); err != nil {
				return err
			}
			switch flagOutput {
			case outputTable, outputJSON, outputYAML:
			default:
				return fmt.Errorf("unknown output format %q (want table, json or yaml)", flagOutput)
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "taskforge server URL (or TASKFORGE_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json, auto)")
	root.PersistentFlags().StringVarP(&flagOutput, "output", "o", outputTable, "Output format (table, json, yaml)")

	root.AddCommand(
		newPipelinesCmd(),
		newFireCmd(),
		newInstanceCmd(),
		newTaskCmd(),
		newRestartCmd(),
		newScheduleCmd(),
	)

	return root
}
