package workunit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"issueagent/pkg/errclass"
	"issueagent/pkg/logx"
)

const (
	// LargePromptChars is the prompt size above which the prompt is passed by file.
	LargePromptChars = 10000
	// TerminateGrace is how long a cancelled CLI gets between SIGTERM and SIGKILL.
	TerminateGrace = 5 * time.Second
)

// ClaudeCLI runs the Claude Code CLI inside the sandbox.
type ClaudeCLI struct {
	Path    string
	Args    []string
	Timeout time.Duration
	Env     []string
	logger  *logx.Logger
}

// NewClaudeCLI creates a runner for the CLI at path.
func NewClaudeCLI(path string, timeout time.Duration) *ClaudeCLI {
	if path == "" {
		path = "claude"
	}
	return &ClaudeCLI{Path: path, Timeout: timeout, logger: logx.NewLogger("claude-cli")}
}

func (c *ClaudeCLI) Name() string { return "claude-cli" }

// Execute runs the CLI with the prompt on stdin, or through --file for large prompts.
func (c *ClaudeCLI) Execute(ctx context.Context, req Request) (Result, error) {
	if info, err := os.Stat(req.SandboxPath); err != nil || !info.IsDir() {
		return Result{}, errclass.New(errclass.SandboxFailure, "working directory does not exist: %s", req.SandboxPath)
	}

	ctx, cancel := withDeadline(ctx, req)
	defer cancel()
	if c.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, c.Timeout)
		defer cancelTimeout()
	}

	args := append([]string(nil), c.Args...)
	var stdin *strings.Reader
	if len(req.Prompt) > LargePromptChars {
		promptFile, err := writePromptFile(req.Prompt)
		if err != nil {
			return Result{}, errclass.Wrap(err, errclass.ResourceExhaustion, "write prompt file")
		}
		defer os.Remove(promptFile)
		args = append(args, "--file", promptFile)
	} else {
		stdin = strings.NewReader(req.Prompt)
	}

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = req.SandboxPath
	cmd.Env = append(append(os.Environ(), c.Env...), "CLAUDE_CLI_MODE=agent")
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = TerminateGrace

	c.logger.ForJob(req.JobID, logx.LevelInfo, "Starting Claude CLI in %s (prompt %d chars)", req.SandboxPath, len(req.Prompt))
	start := time.Now()
	runErr := cmd.Run()

	res := Result{
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		Provider: c.Name(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err := contextError(ctx, "claude cli"); err != nil {
		return res, err
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return res, errclass.Wrap(runErr, errclass.WorkUnitFailure, "start claude cli")
		}
		return res, classifyExit(res)
	}

	res.Success = true
	res.Summary = summarize(res.Output, 200)
	c.logger.ForJob(req.JobID, logx.LevelInfo, "✅ Claude CLI finished in %s", res.Duration.Round(time.Millisecond))
	return res, nil
}

func writePromptFile(prompt string) (string, error) {
	f, err := os.CreateTemp("", "issueagent-prompt-*.md")
	if err != nil {
		return "", fmt.Errorf("create prompt file: %w", err)
	}
	if _, err := f.WriteString(prompt); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close prompt file: %w", err)
	}
	return f.Name(), nil
}

// classifyExit maps a non-zero exit to a typed error from the exit code and stderr.
func classifyExit(res Result) error {
	msg := lastErrorLine(res)
	lower := strings.ToLower(res.Stderr)

	var category errclass.Category
	switch {
	case res.ExitCode == 127:
		category = errclass.Validation
		msg = "claude cli not found: " + msg
	case res.ExitCode == 126:
		category = errclass.Permission
	case strings.Contains(lower, "authentication") || strings.Contains(lower, "unauthorized"):
		category = errclass.Permission
	case strings.Contains(lower, "quota") || strings.Contains(lower, "rate limit"):
		category = errclass.RateLimit
	case strings.Contains(lower, "network") || strings.Contains(lower, "connection"):
		category = errclass.TransientNetwork
	case strings.Contains(lower, "memory"):
		category = errclass.ResourceExhaustion
	case strings.Contains(lower, "timeout"):
		category = errclass.Timeout
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "argument"):
		category = errclass.Validation
	default:
		category = errclass.WorkUnitFailure
	}
	return &errclass.Error{Category: category, Message: msg, Err: fmt.Errorf("exit code %d", res.ExitCode)}
}

// lastErrorLine returns the last meaningful stderr line.
func lastErrorLine(res Result) string {
	lines := strings.Split(strings.TrimSpace(res.Stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" && !strings.HasPrefix(line, "Traceback") {
			return line
		}
	}
	return fmt.Sprintf("process exited with code %d", res.ExitCode)
}
