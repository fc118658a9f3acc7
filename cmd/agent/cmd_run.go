package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orbanhq/orban-agent/internal/session"
	"github.com/orbanhq/orban-agent/pkg/console"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the platform and process tasks",
		Long:  "Connect to the platform and process tasks until interrupted.\nSIGINT or SIGTERM fails running tasks with reason shutdown, flushes\nqueued reports and closes the connection.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			controller, err := session.New(cfg, session.Deps{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			console.Info("Agent ID: %s", controller.AgentID())
			console.Info("Platform: %s", cfg.PlatformURL)
			if cfg.Tasks.Runner == "" {
				console.Warning("No task runner configured, every task will be rejected")
			}

			if err := controller.Run(ctx); err != nil {
				return err
			}
			debug.Info("Agent shutdown complete")
			console.Success("Agent stopped")
			return nil
		},
	}
}
