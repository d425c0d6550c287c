package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued jobs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()
		env.startBackground(ctx, cfg)

		runErr := env.Queue.Start(ctx)

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Queue.ShutdownTimeout)
		defer cancel()
		if err := env.Queue.Stop(stopCtx); err != nil {
			zap.L().Warn("worker stop", zap.Error(err))
		}
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
