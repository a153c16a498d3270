package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// Context is the minimal failure context the classifier looks at.
type Context struct {
	Stage         string // pipeline stage that failed
	Attempt       int    // retries already made for this job
	SimilarErrors int    // prior failures of the same category on this job
}

// Classification is the value computed for one failure.
type Classification struct {
	Category           Category      `json:"category"`
	Severity           Severity      `json:"severity"`
	Retryable          bool          `json:"retryable"`
	Strategy           Strategy      `json:"strategy"`
	MaxRetries         int           `json:"max_retries"`
	SuggestedDelay     time.Duration `json:"suggested_delay"`
	EscalationRequired bool          `json:"escalation_required"`
	Message            string        `json:"message"`
	Stage              string        `json:"stage,omitempty"`
	UserMessage        string        `json:"user_message"`
	RecoveryActions    []string      `json:"recovery_actions"`
}

type pattern struct {
	category Category
	exprs    []*regexp.Regexp
}

// Checked in order; the first match wins.
//
//nolint:gochecknoglobals
var messagePatterns = []pattern{
	{RateLimit, compile(`rate.*limit`, `too.*many.*requests`, `quota.*exceeded`, `\b429\b`)},
	{Permission, compile(`permission.*denied`, `access.*denied`, `unauthorized`, `forbidden`, `\b40[13]\b`)},
	{Timeout, compile(`timeout`, `timed.*out`, `deadline exceeded`)},
	{TransientNetwork, compile(`connection.*refused`, `connection.*reset`, `network.*error`, `dns.*error`, `host.*unreachable`, `no such host`, `\beof\b`, `\b50[0234]\b`)},
	{Validation, compile(`validation.*failed`, `invalid.*input`, `required.*field`)},
	{ResourceExhaustion, compile(`out.*of.*memory`, `disk.*space`, `resource.*unavailable`, `no space left`)},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Classify maps a failure to a Classification. It never panics and never fails.
func Classify(err error, fctx Context) Classification {
	category, msg := categorize(err)
	return build(category, msg, fctx)
}

// ForCategory builds a classification for a failure whose category is already known.
func ForCategory(c Category, msg string, fctx Context) Classification {
	if !c.Valid() {
		c = Unknown
	}
	return build(c, msg, fctx)
}

func build(category Category, msg string, fctx Context) Classification {
	p := PolicyFor(category)
	c := Classification{
		Category:        category,
		Severity:        p.Severity,
		Retryable:       p.Retryable,
		Strategy:        p.Strategy,
		MaxRetries:      p.MaxRetries,
		Message:         msg,
		Stage:           fctx.Stage,
		UserMessage:     p.UserMessage,
		RecoveryActions: append([]string(nil), p.RecoveryActions...),
	}
	c.EscalationRequired = p.Escalate ||
		fctx.SimilarErrors >= EscalationThreshold ||
		(p.Retryable && fctx.Attempt >= EscalationThreshold)
	if c.Retryable {
		c.SuggestedDelay = DefaultDelayPolicy.Delay(c, fctx.Attempt+1)
	}
	return c
}

func categorize(err error) (category Category, msg string) {
	defer func() {
		if r := recover(); r != nil {
			category, msg = Unknown, fmt.Sprintf("unclassifiable error: %v", r)
		}
	}()

	if err == nil {
		return Unknown, "no error"
	}
	msg = err.Error()

	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled, msg
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout, msg
	}

	var ce *Error
	if errors.As(err, &ce) {
		if ce.Category.Valid() && ce.Category != Unknown {
			return ce.Category, msg
		}
		if c, ok := categoryForStatus(ce.StatusCode); ok {
			return c, msg
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout, msg
		}
		return TransientNetwork, msg
	}

	lower := strings.ToLower(msg)
	for _, p := range messagePatterns {
		for _, re := range p.exprs {
			if re.MatchString(lower) {
				return p.category, msg
			}
		}
	}
	return Unknown, msg
}

func categoryForStatus(status int) (Category, bool) {
	switch {
	case status == 401 || status == 403:
		return Permission, true
	case status == 429:
		return RateLimit, true
	case status == 400 || status == 422:
		return Validation, true
	case status == 408:
		return Timeout, true
	case status >= 500 && status <= 599:
		return TransientNetwork, true
	default:
		return Unknown, false
	}
}
