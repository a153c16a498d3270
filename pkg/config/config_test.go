package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "issueagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 2*time.Hour, cfg.Jobs.JobTimeout)
	assert.Equal(t, time.Hour, cfg.WorkUnit.Timeout)
	assert.Equal(t, time.Hour, cfg.Jobs.StageTimeouts.Execute)
	assert.Equal(t, "./worktrees", cfg.Sandbox.BasePath)
	assert.Equal(t, "claude", cfg.WorkUnit.ClaudePath)
	assert.Equal(t, 30*time.Second, cfg.Router.DedupWindow)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.FeedbackTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Sandbox.GracePeriod)
	assert.Equal(t, 10*time.Minute, cfg.Maintenance.SweepInterval)
	assert.Equal(t, 3, cfg.Recovery.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.Recovery.Budget)
	assert.Equal(t, ProviderClaudeCLI, cfg.WorkUnit.Provider)
	assert.Equal(t, cfg.Jobs.MaxConcurrent, cfg.Sandbox.MaxSandboxes)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
github:
  repo_owner: acme
  repo_name: app
auth:
  admin_users: [alice, bob]
jobs:
  max_concurrent: 5
  job_timeout: 3h
  stage_timeouts:
    validate: 30s
sandbox:
  base_path: /tmp/wt
  max_sandboxes: 8
work_unit:
  provider: anthropic
  verify_command: ["make", "test"]
database:
  driver: pgx
  dsn: postgres://localhost/issueagent
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "acme/app", cfg.GitHub.Repository())
	assert.Equal(t, []string{"alice", "bob"}, cfg.Auth.AdminUsers)
	assert.Equal(t, 5, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 3*time.Hour, cfg.Jobs.JobTimeout)
	assert.Equal(t, 30*time.Second, cfg.Jobs.StageTimeouts.Validate)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.StageTimeouts.Analyze)
	assert.Equal(t, "/tmp/wt", cfg.Sandbox.BasePath)
	assert.Equal(t, 8, cfg.Sandbox.MaxSandboxes)
	assert.Equal(t, ProviderAnthropic, cfg.WorkUnit.Provider)
	assert.Equal(t, []string{"make", "test"}, cfg.WorkUnit.VerifyCommand)
	assert.Equal(t, "pgx", cfg.Database.Driver)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("MAX_CONCURRENT_JOBS", "4")
	t.Setenv("JOB_TIMEOUT", "5400")
	t.Setenv("CLAUDE_TIMEOUT", "600")
	t.Setenv("ADMIN_USERS", "alice, carol ,")
	t.Setenv("WORKTREE_BASE_PATH", "/srv/wt")
	t.Setenv("CLAUDE_CODE_PATH", "/usr/local/bin/claude")
	t.Setenv("REPO_OWNER", "acme")
	t.Setenv("REPO_NAME", "api")

	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, 4, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 90*time.Minute, cfg.Jobs.JobTimeout)
	assert.Equal(t, 10*time.Minute, cfg.WorkUnit.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.StageTimeouts.Execute)
	assert.Equal(t, []string{"alice", "carol"}, cfg.Auth.AdminUsers)
	assert.Equal(t, "/srv/wt", cfg.Sandbox.BasePath)
	assert.Equal(t, "/usr/local/bin/claude", cfg.WorkUnit.ClaudePath)
	assert.Equal(t, "acme/api", cfg.GitHub.Repository())
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("PORT", "eighty")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("ISSUEAGENT_TEST_OWNER", "expanded")
	cfg, err := Load(writeConfig(t, "github:\n  repo_owner: ${ISSUEAGENT_TEST_OWNER}\n  repo_name: ${ISSUEAGENT_UNSET_VAR}\n"))
	require.NoError(t, err)
	assert.Equal(t, "expanded", cfg.GitHub.RepoOwner)
	assert.Equal(t, "${ISSUEAGENT_UNSET_VAR}", cfg.GitHub.RepoName)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad provider", "work_unit:\n  provider: gemini\n", "Provider"},
		{"bad port", "server:\n  port: 70000\n", "Port"},
		{"bad driver", "database:\n  driver: mysql\n", "Driver"},
		{"too few sandboxes", "jobs:\n  max_concurrent: 4\nsandbox:\n  max_sandboxes: 2\n", "max_sandboxes"},
		{"execute longer than job", "jobs:\n  job_timeout: 1h\n  stage_timeouts:\n    execute: 2h\n", "execute"},
		{"malformed", "server: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSingleton(t *testing.T) {
	SetConfigForTesting(nil)
	_, err := GetConfig()
	require.Error(t, err)

	require.NoError(t, LoadConfig(writeConfig(t, "server:\n  port: 9191\n")))
	cfg, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)

	cfg.Server.Port = 1
	again, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, 9191, again.Server.Port, "GetConfig returns a copy")
	SetConfigForTesting(nil)
}

func TestResolveSecretsAndMissing(t *testing.T) {
	SetDecryptedSecrets(map[string]string{SecretWebhookSecret: "hook", SecretAnthropicKey: "sk-ant"})
	defer SetDecryptedSecrets(nil)
	t.Setenv(SecretJWT, "")

	cfg := Default()
	cfg.WorkUnit.Provider = ProviderAnthropic
	ResolveSecrets(cfg)
	assert.Equal(t, "hook", cfg.GitHub.WebhookSecret)
	assert.Equal(t, "sk-ant", cfg.WorkUnit.AnthropicKey)
	assert.Equal(t, []string{SecretJWT}, cfg.Missing())

	cfg.WorkUnit.Provider = ProviderOpenAI
	assert.Contains(t, cfg.Missing(), SecretOpenAIKey)
}

func TestSaveOmitsSecrets(t *testing.T) {
	cfg := Default()
	cfg.GitHub.Token = "ghp_secret"
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ghp_secret")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Jobs.JobTimeout, loaded.Jobs.JobTimeout)
}
