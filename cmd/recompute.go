package main

import (
	"fmt"

	"CapperLedger/internal/observability"
	"CapperLedger/internal/repository"
	"CapperLedger/internal/service"

	"github.com/spf13/cobra"
)

func recomputeCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recompute capper performance from settled bets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			db, err := openDB(cfg.Database, logger, false)
			if err != nil {
				return err
			}
			wagers := repository.NewWagerRepository(db)
			profiles := repository.NewProfileRepository(db)
			perf := service.NewPerformanceService(wagers, profiles, cfg.Aggregation.Concurrency, observability.NewMetrics(), logger)

			if provider != "" {
				snap, err := perf.Snapshot(cmd.Context(), provider)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: settled=%d winRate=%s%% balance=%s roi=%s%%\n",
					provider, snap.TotalSettled, snap.WinRate, snap.CumulativeUnitBalance, snap.ROI)
				return nil
			}
			n, err := perf.RecomputeAll(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "recomputed %d cappers\n", n)
			return err
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "Recompute a single capper")
	return cmd
}
