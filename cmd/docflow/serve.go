package main

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"docflow/internal/config"
	"docflow/internal/logging"
	"docflow/internal/notify"
	"docflow/internal/orchestrator"
	"docflow/internal/schedule"
	"docflow/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		addr        string
		maxParallel int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP server",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.NewComponentLogger("orchestrator")

			notifier := notify.ForChannel(cfg.NotificationChannel, cfg.WorkWechatWebhookURL, logger)
			store := orchestrator.NewStore(filepath.Join(cfg.DataRoot, "jobs"), logger)
			manager, err := orchestrator.NewManager(store, orchestrator.Options{
				MaxParallel:   maxParallel,
				TracesDir:     filepath.Join(cfg.DataRoot, "traces"),
				RunnerCommand: splitCommand(cfg.RunnerModule),
				OnFinished: func(job *orchestrator.Job) {
					if err := notifier.NotifyJobFinished(context.Background(), job); err != nil {
						logger.Warn("notify job %s: %v", job.JobID, err)
					}
				},
			}, logger)
			if err != nil {
				return err
			}

			ctx, stop := interruptible()
			defer stop()

			scheduleStore := schedule.NewStore(filepath.Join(cfg.DataRoot, "schedules"), logger)
			scheduler := schedule.New(scheduleStore, manager, logger)
			if err := scheduler.Start(ctx); err != nil {
				return err
			}

			return server.New(manager, logger).Run(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 2, "maximum concurrently running jobs")
	return cmd
}
