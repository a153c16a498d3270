package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"issueagent/pkg/logx"
)

// GitRunner runs git commands; injected so tests can fake the VCS.
type GitRunner interface {
	// Run executes git with args in dir and returns combined output.
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// DefaultGitRunner shells out to the system git.
type DefaultGitRunner struct {
	logger *logx.Logger
}

func NewDefaultGitRunner() *DefaultGitRunner {
	return &DefaultGitRunner{logger: logx.NewLogger("git")}
}

func (g *DefaultGitRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	logDir := dir
	if logDir == "" {
		logDir = "."
	}
	g.logger.Debug("Executing: cd %s && git %s", logDir, strings.Join(args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed in %s: %w\nOutput: %s",
			strings.Join(args, " "), logDir, err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// SandboxSource provides the repository sandboxes are branched from.
type SandboxSource interface {
	// Checkout makes ref available and returns the repository path to run
	// `git worktree add` against.
	Checkout(ctx context.Context, ref string) (string, error)
}

// LocalSource is an existing local clone, optionally fetched before each checkout.
type LocalSource struct {
	RepoPath string
	Fetch    bool
	Git      GitRunner
}

func (s *LocalSource) Checkout(ctx context.Context, _ string) (string, error) {
	abs, err := filepath.Abs(s.RepoPath)
	if err != nil {
		return "", fmt.Errorf("resolve repo path %s: %w", s.RepoPath, err)
	}
	if _, err := s.Git.Run(ctx, abs, "rev-parse", "--git-dir"); err != nil {
		return "", fmt.Errorf("%s is not a git repository: %w", abs, err)
	}
	if s.Fetch {
		if _, err := s.Git.Run(ctx, abs, "fetch", "--prune", "origin"); err != nil {
			return "", fmt.Errorf("fetch %s: %w", abs, err)
		}
	}
	return abs, nil
}

// MirrorSource keeps a bare clone of a remote and refreshes it on checkout.
type MirrorSource struct {
	RepoURL    string
	MirrorPath string
	Git        GitRunner
}

func (s *MirrorSource) Checkout(ctx context.Context, _ string) (string, error) {
	mirrorPath, err := filepath.Abs(s.MirrorPath)
	if err != nil {
		return "", fmt.Errorf("resolve mirror path %s: %w", s.MirrorPath, err)
	}

	if _, err := os.Stat(mirrorPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(mirrorPath), 0755); err != nil {
			return "", fmt.Errorf("failed to create mirror directory: %w", err)
		}
		if _, err := s.Git.Run(ctx, "", "clone", "--bare", s.RepoURL, mirrorPath); err != nil {
			return "", fmt.Errorf("failed to clone mirror from %s to %s: %w", s.RepoURL, mirrorPath, err)
		}
		return mirrorPath, nil
	}

	if _, err := s.Git.Run(ctx, mirrorPath, "remote", "update", "--prune"); err != nil {
		return "", fmt.Errorf("failed to update mirror %s: %w", mirrorPath, err)
	}
	return mirrorPath, nil
}
