// Command docflow runs the document-driven task engine: an orchestrator
// server, a single engine run (the job subprocess entrypoint), or a client
// submission against a running server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"docflow/internal/logging"
	"docflow/internal/runner"
)

func main() {
	root := &cobra.Command{
		Use:           "docflow",
		Short:         "Document-driven task execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRunCmd(), newSubmitCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var flags runner.Flags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one engine session (job subprocess entrypoint)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := logging.NewComponentLogger("engine")
			return runner.Run(ctx, flags, logger)
		},
	}
	cmd.Flags().StringVar(&flags.JobID, "job-id", "", "job identifier")
	cmd.Flags().StringVar(&flags.Task, "task", "", "task description")
	cmd.Flags().StringVar(&flags.TaskFile, "task-file", "", "file holding the task description")
	cmd.Flags().IntVar(&flags.MaxTasks, "max-tasks", 25, "execution cap for this session")
	cmd.Flags().StringVar(&flags.TraceFile, "trace-file", "", "trace session output file")
	cmd.Flags().StringVar(&flags.ContextFile, "context-file", "", "workspace context file")
	cmd.Flags().StringVar(&flags.EnvFile, "env-file", "", "JSON env file applied before start")
	_ = cmd.MarkFlagRequired("job-id")
	return cmd
}

func splitCommand(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
