package workunit

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultMaxPromptTokens is the prompt budget when none is configured.
const DefaultMaxPromptTokens = 100000

const truncationMarker = "\n\n[... issue body truncated to fit the prompt budget ...]"

// PromptBuilder renders a Task into a work unit prompt within a token budget.
type PromptBuilder struct {
	codec     tokenizer.Codec
	maxTokens int
}

// NewPromptBuilder creates a builder using the GPT-4 encoding as the
// approximation for every provider.
func NewPromptBuilder(maxTokens int) (*PromptBuilder, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxPromptTokens
	}
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &PromptBuilder{codec: codec, maxTokens: maxTokens}, nil
}

// CountTokens returns the token count of text, falling back to a
// four-characters-per-token estimate.
func (b *PromptBuilder) CountTokens(text string) int {
	if b.codec == nil {
		return len(text) / 4
	}
	n, err := b.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Build renders the prompt. Only the issue body is truncated; title and
// feedback are always kept.
func (b *PromptBuilder) Build(t Task) (prompt string, truncated bool) {
	head, tail := b.frame(t)
	budget := b.maxTokens - b.CountTokens(head) - b.CountTokens(tail)
	body := t.Body
	if b.CountTokens(body) > budget {
		body = b.truncate(body, budget-b.CountTokens(truncationMarker)) + truncationMarker
		truncated = true
	}
	return head + body + tail, truncated
}

func (b *PromptBuilder) frame(t Task) (head, tail string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are working on GitHub issue #%d in %s.\n\n", t.Issue, t.Repository)
	fmt.Fprintf(&sb, "## Title\n%s\n\n", t.Title)
	if len(t.Labels) > 0 {
		fmt.Fprintf(&sb, "## Labels\n%s\n\n", strings.Join(t.Labels, ", "))
	}
	sb.WriteString("## Description\n")
	head = sb.String()

	sb.Reset()
	if len(t.Feedback) > 0 {
		sb.WriteString("\n\n## Feedback from the issue thread\n")
		for _, f := range t.Feedback {
			fmt.Fprintf(&sb, "- %s\n", strings.TrimSpace(f))
		}
	}
	sb.WriteString("\n\n## Instructions\n")
	sb.WriteString("Implement the change in the current working directory. ")
	sb.WriteString("Keep the change focused on the issue and finish with a short summary of what you did.\n")
	tail = sb.String()
	return head, tail
}

// truncate cuts text to at most limit tokens on a line boundary where possible.
func (b *PromptBuilder) truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if b.codec != nil {
		ids, _, err := b.codec.Encode(text)
		if err == nil && len(ids) > limit {
			cut, err := b.codec.Decode(ids[:limit])
			if err == nil {
				if i := strings.LastIndex(cut, "\n"); i > len(cut)/2 {
					cut = cut[:i]
				}
				return cut
			}
		}
	}
	maxChars := limit * 4
	if len(text) > maxChars {
		return text[:maxChars]
	}
	return text
}
