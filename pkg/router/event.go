package router

import (
	"fmt"
	"strings"
	"unicode"

	"issueagent/pkg/agentstate"
	"issueagent/pkg/jobs"
	"issueagent/pkg/workunit"
)

// Kind is the category of an inbound issue-tracker event.
type Kind string

const (
	KindOpened         Kind = "opened"
	KindEdited         Kind = "edited"
	KindReopened       Kind = "reopened"
	KindClosed         Kind = "closed"
	KindLabeled        Kind = "labeled"
	KindCommentCreated Kind = "comment_created"
	KindCommentEdited  Kind = "comment_edited"
)

// IsComment reports whether k is a comment event.
func (k Kind) IsComment() bool {
	return k == KindCommentCreated || k == KindCommentEdited
}

// Event is one inbound trigger. Title, Body and Labels describe the issue;
// Comment is set for comment events.
type Event struct {
	Kind       Kind     `json:"kind"`
	Repository string   `json:"repository"`
	Entity     int      `json:"entity"`
	CommentID  int64    `json:"comment_id,omitempty"`
	Actor      string   `json:"actor"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Labels     []string `json:"labels,omitempty"`
	Label      string   `json:"label,omitempty"`
	Comment    string   `json:"comment,omitempty"`
	IsBot      bool     `json:"is_bot"`
	Raw        []byte   `json:"-"`
}

// Fingerprint is the dedup key of ev: repository, entity and category,
// plus the comment ID for comment events and the label for label events.
func Fingerprint(ev Event) string {
	fp := fmt.Sprintf("%s#%d:%s", ev.Repository, ev.Entity, ev.Kind)
	switch {
	case ev.Kind.IsComment():
		fp += fmt.Sprintf(":%d", ev.CommentID)
	case ev.Kind == KindLabeled:
		fp += ":" + ev.Label
	}
	return fp
}

// EntityKey is the one-active-job key of ev.
func EntityKey(ev Event) string {
	return jobs.EntityKey(ev.Repository, ev.Entity)
}

// Command is a slash command found at the start of a comment.
type Command string

const (
	CommandNone     Command = ""
	CommandCancel   Command = "/cancel"
	CommandRetry    Command = "/retry"
	CommandEscalate Command = "/escalate"
)

// ParseCommand returns the command that starts comment, if any, and the
// remaining text.
func ParseCommand(comment string) (Command, string) {
	text := strings.TrimSpace(comment)
	word, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		word, rest = text[:i], text[i:]
	}
	switch Command(strings.ToLower(word)) {
	case CommandCancel:
		return CommandCancel, strings.TrimSpace(rest)
	case CommandRetry:
		return CommandRetry, strings.TrimSpace(rest)
	case CommandEscalate:
		return CommandEscalate, strings.TrimSpace(rest)
	default:
		return CommandNone, text
	}
}

// inputKind maps ev to the input category the state machine reasons about.
func inputKind(ev Event) agentstate.EventKind {
	switch ev.Kind {
	case KindOpened:
		return agentstate.EventOpened
	case KindEdited:
		return agentstate.EventEdited
	case KindReopened:
		return agentstate.EventReopened
	case KindClosed:
		return agentstate.EventClosed
	case KindLabeled:
		return agentstate.EventLabeled
	}
	switch cmd, _ := ParseCommand(ev.Comment); cmd {
	case CommandCancel:
		return agentstate.EventCancelCommand
	case CommandRetry:
		return agentstate.EventRetryCommand
	case CommandEscalate:
		return agentstate.EventEscalateCommand
	default:
		return agentstate.EventFeedback
	}
}

// IssueSource decides whether an issue is meant for the agent and turns it
// into a task.
type IssueSource interface {
	IsAgentTask(ev Event) bool
	Parse(ev Event) workunit.Task
}

// Template markers that mark an issue as an agent task.
//
//nolint:gochecknoglobals
var templateMarkers = []string{"### Task Type", "### Detailed Prompt"}

// PassthroughSource accepts issues that carry an agent: label or follow the
// issue template, and passes title and body through unchanged.
type PassthroughSource struct {
	LabelPrefix string
}

func (s PassthroughSource) IsAgentTask(ev Event) bool {
	prefix := s.LabelPrefix
	if prefix == "" {
		prefix = "agent:"
	}
	for _, l := range ev.Labels {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	if strings.HasPrefix(ev.Label, prefix) {
		return true
	}
	for _, m := range templateMarkers {
		if strings.Contains(ev.Body, m) {
			return true
		}
	}
	return false
}

func (PassthroughSource) Parse(ev Event) workunit.Task {
	return workunit.Task{
		Repository: ev.Repository,
		Issue:      ev.Entity,
		Title:      ev.Title,
		Body:       ev.Body,
		Author:     ev.Actor,
		Labels:     append([]string(nil), ev.Labels...),
	}
}
