package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/toolscout/internal/config"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/store"
)

// storeStatus is the offline view printed by the status command.
type storeStatus struct {
	Driver     string                     `json:"driver"`
	Companies  int                        `json:"companies"`
	Jobs       map[model.JobStatus]int    `json:"jobs"`
	Terms      int                        `json:"terms"`
	ActiveDue  int                        `json:"active_due"`
	Strategies []model.SearchTermStrategy `json:"strategies,omitempty"`
	Platforms  []model.PlatformHealth     `json:"platforms"`
	At         time.Time                  `json:"at"`
}

var statusVerbose bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger, queue, strategy and platform state from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(config.ModeAdmin); err != nil {
			return err
		}
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		s, err := collectStatus(ctx, st, time.Now().UTC(), statusVerbose)
		if err != nil {
			return err
		}
		s.Driver = cfg.Store.Driver
		return printJSON(stdout, s)
	},
}

func collectStatus(ctx context.Context, st store.Store, now time.Time, verbose bool) (*storeStatus, error) {
	s := &storeStatus{At: now}
	var err error

	if s.Companies, err = st.CountCompanies(ctx); err != nil {
		return nil, err
	}
	if s.Jobs, err = st.CountJobsByStatus(ctx); err != nil {
		return nil, err
	}
	if s.Platforms, err = st.ListPlatformHealth(ctx); err != nil {
		return nil, err
	}

	strategies, err := st.ListStrategies(ctx, false)
	if err != nil {
		return nil, err
	}
	s.Terms = len(strategies)
	for _, t := range strategies {
		if t.Active && (t.NextDueAt == nil || !t.NextDueAt.After(now)) {
			s.ActiveDue++
		}
	}
	if verbose {
		s.Strategies = strategies
	}
	return s, nil
}

func init() {
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "include every strategy")
	rootCmd.AddCommand(statusCmd)
}
