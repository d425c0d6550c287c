package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/toolscout/internal/config"
	"github.com/sells-group/toolscout/internal/dedup"
)

var (
	mergeKeep int64
	mergeDups []int64
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Fold duplicate ledger companies into one record",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if mergeKeep <= 0 || len(mergeDups) == 0 {
			return eris.New("merge: --keep and at least one --dup are required")
		}
		if err := cfg.Validate(config.ModeAdmin); err != nil {
			return err
		}
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := dedup.New(st, cfg.Dedup).MergeDuplicates(ctx, mergeKeep, mergeDups); err != nil {
			return err
		}

		kept, err := st.GetCompany(ctx, mergeKeep)
		if err != nil {
			return eris.Wrap(err, "merge: reload kept company")
		}
		return printJSON(stdout, kept)
	},
}

func init() {
	mergeCmd.Flags().Int64Var(&mergeKeep, "keep", 0, "id of the company to keep")
	mergeCmd.Flags().Int64SliceVar(&mergeDups, "dup", nil, "ids of duplicates to fold in")
	rootCmd.AddCommand(mergeCmd)
}
