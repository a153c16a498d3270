// Package preflight validates that the tools, repositories and credentials
// the configured work unit needs are available before the server starts.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"issueagent/pkg/config"
)

// Check names one preflight check.
type Check string

// Check constants.
const (
	CheckGit        Check = "git"
	CheckRepository Check = "repository"
	CheckSandboxes  Check = "sandboxes"
	CheckClaudeCLI  Check = "claude-cli"
	CheckAnthropic  Check = "anthropic"
	CheckOpenAI     Check = "openai"
	CheckGitHub     Check = "github"
)

// CheckResult represents the outcome of a single preflight check.
type CheckResult struct {
	Error   error
	Message string
	Check   Check
	Passed  bool
	// Warning results never fail the run.
	Warning bool
}

// Results contains all preflight check results.
type Results struct {
	Summary string
	Checks  []CheckResult
	Passed  bool
}

// Env is what the checks touch on the host.
type Env struct {
	// LookPath resolves a binary, normally exec.LookPath.
	LookPath func(string) (string, error)
	// Run executes a command and returns its combined output.
	Run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Required determines which checks apply to cfg.
func Required(cfg *config.Config) []Check {
	checks := []Check{CheckGit, CheckRepository, CheckSandboxes}
	switch cfg.WorkUnit.Provider {
	case config.ProviderClaudeCLI:
		checks = append(checks, CheckClaudeCLI)
	case config.ProviderAnthropic:
		checks = append(checks, CheckAnthropic)
	case config.ProviderOpenAI:
		checks = append(checks, CheckOpenAI)
	}
	return append(checks, CheckGitHub)
}

// Run executes all preflight checks for cfg.
func Run(ctx context.Context, cfg *config.Config, env Env) *Results {
	required := Required(cfg)
	results := &Results{
		Checks: make([]CheckResult, 0, len(required)),
		Passed: true,
	}

	failed := 0
	for _, check := range required {
		result := runCheck(ctx, check, cfg, env)
		results.Checks = append(results.Checks, result)
		if !result.Passed && !result.Warning {
			results.Passed = false
			failed++
		}
	}

	if results.Passed {
		results.Summary = fmt.Sprintf("All %d preflight checks passed", len(results.Checks))
	} else {
		results.Summary = fmt.Sprintf("%d of %d preflight checks failed", failed, len(results.Checks))
	}
	return results
}

func runCheck(ctx context.Context, check Check, cfg *config.Config, env Env) CheckResult {
	switch check {
	case CheckGit:
		return checkGit(ctx, env)
	case CheckRepository:
		return checkRepository(cfg)
	case CheckSandboxes:
		return checkSandboxRoot(cfg)
	case CheckClaudeCLI:
		return checkClaudeCLI(ctx, cfg, env)
	case CheckAnthropic:
		return checkKey(CheckAnthropic, cfg.WorkUnit.AnthropicKey, config.SecretAnthropicKey)
	case CheckOpenAI:
		return checkKey(CheckOpenAI, cfg.WorkUnit.OpenAIKey, config.SecretOpenAIKey)
	case CheckGitHub:
		return checkGitHub(cfg)
	default:
		return CheckResult{
			Check:   check,
			Message: "Unknown check",
			Error:   fmt.Errorf("unknown check: %s", check),
		}
	}
}

// Validate runs the checks and returns an error listing every failure.
func Validate(ctx context.Context, cfg *config.Config, env Env) error {
	results := Run(ctx, cfg, env)
	if results.Passed {
		return nil
	}
	var failed []string
	for i := range results.Checks {
		if !results.Checks[i].Passed && !results.Checks[i].Warning {
			failed = append(failed, FormatCheckError(results.Checks[i]))
		}
	}
	return errors.New("preflight failed:\n" + strings.Join(failed, ""))
}
