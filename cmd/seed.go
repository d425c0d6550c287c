package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/config"
	"github.com/sells-group/toolscout/internal/scheduler"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create strategies for catalog search terms",
	Long:  "Reads the search-term catalog and creates a strategy for every term not stored yet. Existing strategies keep their learned state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		path := seedFile
		if path == "" {
			path = cfg.Scheduler.CatalogPath
		}
		if path == "" {
			return eris.New("seed: no catalog; pass --file or set scheduler.catalog_path")
		}
		catalog, err := scheduler.LoadCatalog(path)
		if err != nil {
			return err
		}

		if err := cfg.Validate(config.ModeAdmin); err != nil {
			return err
		}
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		// Seeding touches only the strategy table; no provider is needed.
		sched := scheduler.New(st, nil, nil, nil, schedulerConfig(cfg))
		n, err := sched.SeedTerms(ctx, catalog)
		if err != nil {
			return err
		}

		zap.L().Info("catalog seeded",
			zap.String("file", path),
			zap.Int("terms", len(catalog.Terms)),
			zap.Int("created", n),
		)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "catalog YAML (default scheduler.catalog_path)")
	rootCmd.AddCommand(seedCmd)
}
