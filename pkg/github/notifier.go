package github

import (
	"context"
	"fmt"

	"issueagent/pkg/agentstate"
)

// IssueAPI is the part of Client the notifier uses.
type IssueAPI interface {
	AddLabels(ctx context.Context, repo string, issue int, labels []string) error
	RemoveLabel(ctx context.Context, repo string, issue int, label string) error
	CreateComment(ctx context.Context, repo string, issue int, body string) (int64, error)
}

// Notifier mirrors job state onto the issue as an agent:* label plus a comment.
type Notifier struct {
	api IssueAPI
}

// NewNotifier creates a notifier over api.
func NewNotifier(api IssueAPI) *Notifier {
	return &Notifier{api: api}
}

// StateComment is the comment posted on a state change.
func StateComment(u agentstate.Update) string {
	return fmt.Sprintf("🤖 **State Update**: %s\n\n%s\n\nProgress: %d%%", u.To.Label(), u.Message, u.Progress)
}

// ProgressComment is the comment posted for a progress-only update.
func ProgressComment(u agentstate.Update) string {
	return fmt.Sprintf("📊 **Progress Update**: %d%%\n\n%s", u.Progress, u.Message)
}

// SyncState swaps the state label and posts a state comment. Removing a
// label that is already gone is not an error, so a retried sync is safe.
func (n *Notifier) SyncState(ctx context.Context, u agentstate.Update) error {
	repo, issue := u.Subject.Repository, u.Subject.Issue
	if u.From != "" && u.From != u.To {
		if err := n.api.RemoveLabel(ctx, repo, issue, u.From.Label()); err != nil && !IsNotFound(err) {
			return fmt.Errorf("remove label %s from %s: %w", u.From.Label(), u.Subject, err)
		}
	}
	if err := n.api.AddLabels(ctx, repo, issue, []string{u.To.Label()}); err != nil {
		return fmt.Errorf("add label %s to %s: %w", u.To.Label(), u.Subject, err)
	}
	if _, err := n.api.CreateComment(ctx, repo, issue, StateComment(u)); err != nil {
		return fmt.Errorf("comment on %s: %w", u.Subject, err)
	}
	return nil
}

// SyncProgress posts a progress comment.
func (n *Notifier) SyncProgress(ctx context.Context, u agentstate.Update) error {
	if _, err := n.api.CreateComment(ctx, u.Subject.Repository, u.Subject.Issue, ProgressComment(u)); err != nil {
		return fmt.Errorf("progress comment on %s: %w", u.Subject, err)
	}
	return nil
}
