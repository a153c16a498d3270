package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"issueagent/pkg/config"
)

// HostEnv runs checks against the real host.
func HostEnv() Env {
	return Env{
		LookPath: exec.LookPath,
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func checkGit(ctx context.Context, env Env) CheckResult {
	result := CheckResult{Check: CheckGit}

	if _, err := env.LookPath("git"); err != nil {
		result.Message = "git is not installed or not on PATH"
		result.Error = err
		return result
	}
	out, err := env.Run(ctx, "git", "--version")
	if err != nil {
		result.Message = "git --version failed"
		result.Error = err
		return result
	}

	result.Passed = true
	result.Message = strings.TrimSpace(string(out))
	return result
}

func checkRepository(cfg *config.Config) CheckResult {
	result := CheckResult{Check: CheckRepository}

	if cfg.Sandbox.RepoURL != "" {
		result.Passed = true
		result.Message = fmt.Sprintf("Mirroring %s", cfg.Sandbox.RepoURL)
		return result
	}
	if cfg.Sandbox.RepoPath == "" {
		result.Message = "neither sandbox.repo_path nor sandbox.repo_url is set"
		result.Error = fmt.Errorf("no source repository configured")
		return result
	}
	if _, err := os.Stat(filepath.Join(cfg.Sandbox.RepoPath, ".git")); err != nil {
		result.Message = fmt.Sprintf("%s is not a git checkout", cfg.Sandbox.RepoPath)
		result.Error = err
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Using checkout at %s", cfg.Sandbox.RepoPath)
	return result
}

func checkSandboxRoot(cfg *config.Config) CheckResult {
	result := CheckResult{Check: CheckSandboxes}

	root := cfg.Sandbox.BasePath
	if err := os.MkdirAll(root, 0o755); err != nil {
		result.Message = fmt.Sprintf("cannot create sandbox root %s", root)
		result.Error = err
		return result
	}
	probe, err := os.CreateTemp(root, ".preflight-*")
	if err != nil {
		result.Message = fmt.Sprintf("sandbox root %s is not writable", root)
		result.Error = err
		return result
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	result.Passed = true
	result.Message = fmt.Sprintf("Sandbox root %s is writable", root)
	return result
}

func checkClaudeCLI(ctx context.Context, cfg *config.Config, env Env) CheckResult {
	result := CheckResult{Check: CheckClaudeCLI}

	path := cfg.WorkUnit.ClaudePath
	if path == "" {
		path = "claude"
	}
	resolved, err := env.LookPath(path)
	if err != nil {
		result.Message = fmt.Sprintf("%s is not installed or not on PATH", path)
		result.Error = err
		return result
	}
	out, err := env.Run(ctx, resolved, "--version")
	if err != nil {
		result.Message = fmt.Sprintf("%s --version failed", path)
		result.Error = err
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Claude CLI %s", strings.TrimSpace(string(out)))
	return result
}

func checkKey(check Check, value, secret string) CheckResult {
	if value == "" {
		return CheckResult{
			Check:   check,
			Message: fmt.Sprintf("%s is not set", secret),
			Error:   fmt.Errorf("missing %s", secret),
		}
	}
	return CheckResult{Check: check, Passed: true, Message: fmt.Sprintf("%s is configured", secret)}
}

// checkGitHub only warns: without a token issue updates are logged, not sent.
func checkGitHub(cfg *config.Config) CheckResult {
	if cfg.GitHub.Token == "" {
		return CheckResult{
			Check:   CheckGitHub,
			Warning: true,
			Message: "GITHUB_TOKEN is not set; labels and comments will not be synced",
		}
	}
	return CheckResult{Check: CheckGitHub, Passed: true, Message: "GitHub token is configured"}
}
