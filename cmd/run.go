package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/engine"
)

var (
	runForce     bool
	runPlatforms []string
)

var runCmd = &cobra.Command{
	Use:   "run <term>",
	Short: "Run discovery for a single search term",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		var opts []engine.RunOption
		if runForce {
			opts = append(opts, engine.WithForce())
		}
		if len(runPlatforms) > 0 {
			opts = append(opts, engine.WithPlatforms(runPlatforms...))
		}

		res, err := env.Engine.Orchestrate(ctx, args[0], opts...)
		if res != nil {
			if perr := printJSON(stdout, res); perr != nil {
				return perr
			}
		}
		if err != nil {
			return eris.Wrapf(err, "run %q", args[0])
		}

		zap.L().Info("run complete",
			zap.String("term", res.Term),
			zap.Bool("skipped", res.Skipped),
			zap.Int("high_value_found", res.HighValueFound),
			zap.Float64("total_cost", res.TotalCost),
		)
		return nil
	},
}

var runAllCmd = &cobra.Command{
	Use:   "run-all",
	Short: "Run every due search term once, in score order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		results, err := env.Engine.RunAll(ctx)
		if perr := printJSON(stdout, results); perr != nil {
			return perr
		}
		if err != nil {
			return eris.Wrap(err, "run all")
		}

		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		zap.L().Info("run-all complete", zap.Int("terms", len(results)), zap.Int("failed", failed))
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runForce, "force", false, "run even if the term is not due")
	runCmd.Flags().StringSliceVar(&runPlatforms, "platforms", nil, "pin the run to these platforms")
	rootCmd.AddCommand(runCmd, runAllCmd)
}
