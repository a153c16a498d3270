// Command issueagent runs the issue-triggered job orchestrator and talks to
// a running instance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"issueagent/pkg/config"
	"issueagent/pkg/version"
)

const (
	envPassword = "ISSUEAGENT_PASSWORD"
	envToken    = "ISSUEAGENT_TOKEN"
	envServer   = "ISSUEAGENT_SERVER"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	secretsDir string
	server     string
	token      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "issueagent",
		Short:         "Run work units against GitHub issues",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.String(),
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", config.DefaultConfigFile, "path to the YAML config file")
	pf.StringVar(&g.secretsDir, "secrets-dir", ".issueagent", "directory holding the encrypted secrets file")
	pf.StringVar(&g.server, "server", envOr(envServer, "http://localhost:8080"), "base URL of a running issueagent")
	pf.StringVar(&g.token, "token", os.Getenv(envToken), "admin bearer token for the job API")

	root.AddCommand(
		newServeCmd(g),
		newJobsCmd(g),
		newSweepCmd(g),
		newPreflightCmd(g),
		newSecretsCmd(g),
		newTokenCmd(g),
		newStatsCmd(g),
	)
	return root
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// loadConfig loads the config file and resolves secrets, unlocking the
// encrypted secrets file when one exists.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if err := unlockSecrets(g.secretsDir); err != nil {
		return nil, err
	}
	config.ResolveSecrets(cfg)
	return cfg, nil
}
