package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"issueagent/pkg/metrics"
)

func newStatsCmd(g *globalFlags) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recent activity from Prometheus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if cfg.Metrics.PrometheusURL == "" {
				return fmt.Errorf("metrics.prometheus_url is not configured")
			}
			qs, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
			if err != nil {
				return err
			}
			stats, err := qs.GetStats(cmd.Context(), window)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStats(stats))
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "how far back to aggregate")
	return cmd
}
