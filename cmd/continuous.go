package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var continuousInterval time.Duration

var continuousCmd = &cobra.Command{
	Use:   "continuous",
	Short: "Run the next due search term on an interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()
		env.startBackground(ctx, cfg)

		interval := continuousInterval
		if interval <= 0 {
			interval = cfg.Engine.ContinuousInterval
		}
		return env.Engine.ContinuousMode(ctx, interval)
	},
}

func init() {
	continuousCmd.Flags().DurationVar(&continuousInterval, "interval", 0, "time between runs (default from config)")
	rootCmd.AddCommand(continuousCmd)
}
