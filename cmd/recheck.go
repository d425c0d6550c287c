package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var recheckLimit int

var recheckCmd = &cobra.Command{
	Use:   "recheck",
	Short: "Queue revalidation for ledger companies due a re-check",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		limit := recheckLimit
		if !cmd.Flags().Changed("limit") {
			limit = cfg.Engine.RecheckLimit
		}
		n, err := env.Engine.ScheduleRevalidation(ctx, env.Queue, limit)
		if err != nil {
			return err
		}
		zap.L().Info("revalidation queued", zap.Int("jobs", n), zap.Int("limit", limit))
		return nil
	},
}

func init() {
	recheckCmd.Flags().IntVar(&recheckLimit, "limit", 0, "max jobs to queue, 0 for no limit (default engine.recheck_limit)")
	rootCmd.AddCommand(recheckCmd)
}
