// Package workunit defines the opaque long-running capability a job executes
// inside its sandbox, plus the runners that implement it.
package workunit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"issueagent/pkg/errclass"
)

// Task is the parsed issue context a job carries. The orchestrator treats it
// as an opaque value and hands it to the prompt builder unchanged.
type Task struct {
	Repository string   `json:"repository"`
	Issue      int      `json:"issue"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Author     string   `json:"author,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	Feedback   []string `json:"feedback,omitempty"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	out := t
	if t.Labels != nil {
		out.Labels = append([]string(nil), t.Labels...)
	}
	if t.Feedback != nil {
		out.Feedback = append([]string(nil), t.Feedback...)
	}
	return out
}

// WithFeedback returns a copy of t with comment appended to its feedback.
func (t Task) WithFeedback(comment string) Task {
	out := t.Clone()
	out.Feedback = append(out.Feedback, comment)
	return out
}

// Validate reports a validation error when the task cannot be worked on.
func (t Task) Validate() error {
	var missing []string
	if strings.TrimSpace(t.Repository) == "" {
		missing = append(missing, "repository")
	}
	if t.Issue <= 0 {
		missing = append(missing, "issue number")
	}
	if strings.TrimSpace(t.Title) == "" {
		missing = append(missing, "title")
	}
	if len(missing) > 0 {
		return errclass.New(errclass.Validation, "task is missing required field(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

// Request is one execution of a work unit.
type Request struct {
	JobID       string
	Prompt      string
	SandboxPath string
	Deadline    time.Time
}

// Result is what a completed work unit returns.
type Result struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Stderr   string        `json:"stderr,omitempty"`
	Summary  string        `json:"summary"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Provider string        `json:"provider"`
	// Token usage as reported by the provider; zero when unknown.
	PromptTokens     int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens int64 `json:"completion_tokens,omitempty"`
}

// WorkUnit executes a prompt against a sandbox. Implementations must honor
// ctx cancellation and req.Deadline, and return typed errclass errors.
type WorkUnit interface {
	Execute(ctx context.Context, req Request) (Result, error)
	Name() string
}

// Func adapts a function to the WorkUnit interface.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Execute(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

func (f Func) Name() string { return "func" }

// withDeadline narrows ctx to req.Deadline when one is set.
func withDeadline(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if req.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, req.Deadline)
}

// contextError converts a finished context into a typed error.
func contextError(ctx context.Context, what string) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return errclass.Wrap(ctx.Err(), errclass.Timeout, fmt.Sprintf("%s exceeded its deadline", what))
	case context.Canceled:
		return errclass.Wrap(ctx.Err(), errclass.Cancelled, fmt.Sprintf("%s was cancelled", what))
	default:
		return nil
	}
}

// summarize returns the first non-empty line of text, shortened to n runes.
func summarize(text string, n int) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r := []rune(line)
		if len(r) > n {
			return string(r[:n]) + "..."
		}
		return line
	}
	return ""
}
