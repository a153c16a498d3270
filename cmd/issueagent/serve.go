package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"issueagent/internal/kernel"
	"issueagent/pkg/logx"
	"issueagent/pkg/preflight"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var skipPreflight bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept webhooks and run jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if missing := cfg.Missing(); len(missing) > 0 {
				return fmt.Errorf("missing required secrets: %s (set them with `issueagent secrets set` or the environment)",
					strings.Join(missing, ", "))
			}

			if !skipPreflight {
				if err := preflight.Validate(cmd.Context(), cfg, preflight.HostEnv()); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			k, err := kernel.NewKernel(ctx, cfg)
			if err != nil {
				return err
			}
			if err := k.Start(); err != nil {
				_ = k.Close()
				return err
			}

			serveErr := make(chan error, 1)
			go func() { serveErr <- k.Serve() }()

			logger := logx.NewLogger("main")
			select {
			case <-ctx.Done():
				logger.Info("🛑 Shutdown signal received")
			case err = <-serveErr:
				if err != nil {
					logger.Error("Server stopped: %v", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			if stopErr := k.Stop(shutdownCtx); stopErr != nil {
				logger.Warn("Shutdown incomplete: %v", stopErr)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "start without checking tools and credentials")
	return cmd
}

func newPreflightCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check tools, repository and credentials without starting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			results := preflight.Run(cmd.Context(), cfg, preflight.HostEnv())
			fmt.Fprint(cmd.OutOrStdout(), preflight.FormatResults(results))
			if !results.Passed {
				return fmt.Errorf("%s", results.Summary)
			}
			return nil
		},
	}
}

func newSweepCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove orphaned sandboxes once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			removed, err := kernel.SweepOnce(cmd.Context(), cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "🧹 Removed %d orphaned sandbox(es)\n", removed)
			return err
		},
	}
}
