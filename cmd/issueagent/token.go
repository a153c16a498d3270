package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"issueagent/pkg/api"
)

func newTokenCmd(g *globalFlags) *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin bearer token for the job API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if subject == "" {
				subject = os.Getenv("USER")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.AdminUsers, cfg.Auth.Issuer, ttl)
			token, err := auth.IssueToken(subject)
			if err != nil {
				return fmt.Errorf("issue token for %q: %w", subject, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "admin user the token is issued to (default $USER)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	return cmd
}
