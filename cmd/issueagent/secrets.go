package main

import (
	"bytes"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"issueagent/pkg/config"
)

func newSecretsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secrets file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set NAME",
			Short: "Store a secret (value read from the terminal)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				password, err := secretsPassword(g.secretsDir)
				if err != nil {
					return err
				}
				if config.SecretsFileExists(g.secretsDir) {
					if err := config.LoadSecretsFile(g.secretsDir, password); err != nil {
						return err
					}
				}
				value, err := readSecret(fmt.Sprintf("Value for %s: ", args[0]))
				if err != nil {
					return err
				}
				if err := config.SetSecret(args[0], value); err != nil {
					return err
				}
				if err := config.SaveSecretsToFile(g.secretsDir, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Saved %s to %s\n", args[0], config.SecretsPath(g.secretsDir))
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				password, err := secretsPassword(g.secretsDir)
				if err != nil {
					return err
				}
				if err := config.LoadSecretsFile(g.secretsDir, password); err != nil {
					return err
				}
				if err := config.DeleteSecret(args[0]); err != nil {
					return err
				}
				return config.SaveSecretsToFile(g.secretsDir, password)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored secret names",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := unlockSecrets(g.secretsDir); err != nil {
					return err
				}
				rows := [][]string{}
				for _, name := range config.GetDecryptedSecretNames() {
					rows = append(rows, []string{name, "secrets file"})
				}
				for _, name := range []string{
					config.SecretGitHubToken, config.SecretWebhookSecret, config.SecretJWT,
					config.SecretAnthropicKey, config.SecretOpenAIKey,
				} {
					if _, ok := os.LookupEnv(name); ok {
						rows = append(rows, []string{name, "environment"})
					}
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"NAME", "SOURCE"}, rows))
				return nil
			},
		},
	)
	return cmd
}

// unlockSecrets loads the secrets file when one exists.
func unlockSecrets(dir string) error {
	if !config.SecretsFileExists(dir) {
		return nil
	}
	password, err := secretsPassword(dir)
	if err != nil {
		return err
	}
	return config.LoadSecretsFile(dir, password)
}

// secretsPassword comes from the environment or the terminal. A new file
// asks for confirmation.
func secretsPassword(dir string) (string, error) {
	if p := os.Getenv(envPassword); p != "" {
		return p, nil
	}
	password, err := readSecret("Secrets password: ")
	if err != nil {
		return "", err
	}
	if config.SecretsFileExists(dir) {
		return password, nil
	}
	confirm, err := readSecret("Confirm password: ")
	if err != nil {
		return "", err
	}
	if !bytes.Equal([]byte(password), []byte(confirm)) {
		return "", fmt.Errorf("passwords do not match")
	}
	return password, nil
}

func readSecret(prompt string) (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("no terminal to read from; set %s", envPassword)
	}
	fmt.Fprint(os.Stderr, prompt)
	value, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(value), nil
}
