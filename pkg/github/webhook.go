package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"issueagent/pkg/router"
)

// Webhook headers.
const (
	EventHeader     = "X-GitHub-Event"
	DeliveryHeader  = "X-GitHub-Delivery"
	SignatureHeader = "X-Hub-Signature-256"
)

const signaturePrefix = "sha256="

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// ValidateSignature checks header against the HMAC-SHA256 of payload under secret.
func ValidateSignature(payload []byte, header, secret string) error {
	if header == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("%w: expected %s prefix", ErrInvalidSignature, signaturePrefix)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !hmac.Equal(got, mac(payload, secret)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(mac(payload, secret))
}

func mac(payload []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return h.Sum(nil)
}

// User is a GitHub account.
type User struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

// IsBot reports whether the account is a bot or app.
func (u User) IsBot() bool {
	return u.Type == "Bot" || strings.HasSuffix(u.Login, "[bot]")
}

// Label is an issue label.
type Label struct {
	Name string `json:"name"`
}

// Repository is the repository an event belongs to.
type Repository struct {
	FullName string `json:"full_name"`
}

// Issue is the issue an event belongs to.
type Issue struct {
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	State       string          `json:"state"`
	User        User            `json:"user"`
	Labels      []Label         `json:"labels"`
	PullRequest json.RawMessage `json:"pull_request,omitempty"`
}

// Comment is an issue comment.
type Comment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User User   `json:"user"`
}

// IssuesEvent is the payload of an `issues` webhook.
type IssuesEvent struct {
	Action     string     `json:"action"`
	Issue      Issue      `json:"issue"`
	Label      *Label     `json:"label,omitempty"`
	Repository Repository `json:"repository"`
	Sender     User       `json:"sender"`
}

// IssueCommentEvent is the payload of an `issue_comment` webhook.
type IssueCommentEvent struct {
	Action     string     `json:"action"`
	Issue      Issue      `json:"issue"`
	Comment    Comment    `json:"comment"`
	Repository Repository `json:"repository"`
	Sender     User       `json:"sender"`
}

// ErrUnsupportedEvent is returned by ToEvent for events the router never handles.
var ErrUnsupportedEvent = errors.New("unsupported webhook event")

//nolint:gochecknoglobals
var issueActions = map[string]router.Kind{
	"opened":   router.KindOpened,
	"edited":   router.KindEdited,
	"reopened": router.KindReopened,
	"closed":   router.KindClosed,
	"labeled":  router.KindLabeled,
}

//nolint:gochecknoglobals
var commentActions = map[string]router.Kind{
	"created": router.KindCommentCreated,
	"edited":  router.KindCommentEdited,
}

// ToEvent converts a webhook payload into a router event. Unknown event
// types, unknown actions and pull-request comments return ErrUnsupportedEvent.
func ToEvent(eventType string, payload []byte) (router.Event, error) {
	switch eventType {
	case "issues":
		var p IssuesEvent
		if err := json.Unmarshal(payload, &p); err != nil {
			return router.Event{}, fmt.Errorf("decode issues payload: %w", err)
		}
		kind, ok := issueActions[p.Action]
		if !ok {
			return router.Event{}, fmt.Errorf("%w: issues.%s", ErrUnsupportedEvent, p.Action)
		}
		ev := issueEvent(kind, p.Repository, p.Issue, p.Sender)
		if p.Label != nil {
			ev.Label = p.Label.Name
		}
		ev.Raw = payload
		return ev, nil

	case "issue_comment":
		var p IssueCommentEvent
		if err := json.Unmarshal(payload, &p); err != nil {
			return router.Event{}, fmt.Errorf("decode issue_comment payload: %w", err)
		}
		kind, ok := commentActions[p.Action]
		if !ok {
			return router.Event{}, fmt.Errorf("%w: issue_comment.%s", ErrUnsupportedEvent, p.Action)
		}
		if len(p.Issue.PullRequest) > 0 && string(p.Issue.PullRequest) != "null" {
			return router.Event{}, fmt.Errorf("%w: pull request comment", ErrUnsupportedEvent)
		}
		ev := issueEvent(kind, p.Repository, p.Issue, p.Comment.User)
		ev.CommentID = p.Comment.ID
		ev.Comment = p.Comment.Body
		ev.IsBot = p.Comment.User.IsBot() || p.Sender.IsBot()
		ev.Raw = payload
		return ev, nil

	default:
		return router.Event{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}
}

func issueEvent(kind router.Kind, repo Repository, issue Issue, actor User) router.Event {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.Name)
	}
	return router.Event{
		Kind:       kind,
		Repository: repo.FullName,
		Entity:     issue.Number,
		Actor:      actor.Login,
		Title:      issue.Title,
		Body:       issue.Body,
		Labels:     labels,
		IsBot:      actor.IsBot(),
	}
}
