// Package errclass classifies job failures into a closed taxonomy and derives
// retry, backoff and escalation policy from the category.
package errclass

import "time"

// Category is the closed set of failure kinds the orchestrator reasons about.
type Category string

const (
	TransientNetwork     Category = "transient_network"
	RateLimit            Category = "rate_limit"
	Permission           Category = "permission"
	Validation           Category = "validation"
	Timeout              Category = "timeout"
	ResourceExhaustion   Category = "resource_exhaustion"
	ConflictingActiveJob Category = "conflicting_active_job"
	InvalidTransition    Category = "invalid_transition"
	SandboxFailure       Category = "sandbox_failure"
	WorkUnitFailure      Category = "work_unit_failure"
	Cancelled            Category = "cancelled"
	Unknown              Category = "unknown"
)

// Categories lists every category in declaration order.
//
//nolint:gochecknoglobals
var Categories = []Category{
	TransientNetwork, RateLimit, Permission, Validation, Timeout, ResourceExhaustion,
	ConflictingActiveJob, InvalidTransition, SandboxFailure, WorkUnitFailure, Cancelled, Unknown,
}

// Valid reports whether c is a member of the taxonomy.
func (c Category) Valid() bool {
	_, ok := policies[c]
	return ok
}

// Severity ranks how serious a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy selects the backoff curve.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
	StrategyNone        Strategy = "none"
)

// Policy is the static handling rule for one category.
type Policy struct {
	Severity        Severity
	Retryable       bool
	Strategy        Strategy
	MaxRetries      int
	Escalate        bool
	UserMessage     string
	RecoveryActions []string
}

// Backoff bounds for each strategy.
const (
	MaxExponentialDelay = 300 * time.Second
	LinearStep          = 30 * time.Second
	MaxLinearDelay      = 120 * time.Second
	FixedDelay          = 60 * time.Second
)

// EscalationThreshold is the attempt / similar-error count that forces escalation.
// Policy.Escalate marks categories whose exhausted retries need a human.
const EscalationThreshold = 3

//nolint:gochecknoglobals // static category policy table
var policies = map[Category]Policy{
	RateLimit: {
		Severity:    SeverityHigh,
		Retryable:   true,
		Strategy:    StrategyExponential,
		MaxRetries:  5,
		Escalate:    true,
		UserMessage: "I'm being rate-limited by GitHub. I'll retry shortly.",
		RecoveryActions: []string{
			"Wait for the rate limit window to reset",
			"Comment '/retry' to attempt again",
		},
	},
	TransientNetwork: {
		Severity:    SeverityMedium,
		Retryable:   true,
		Strategy:    StrategyExponential,
		MaxRetries:  3,
		UserMessage: "I'm having trouble connecting to external services. I'll retry automatically.",
		RecoveryActions: []string{
			"Check service status",
			"Comment '/retry' to attempt again",
		},
	},
	Timeout: {
		Severity:    SeverityMedium,
		Retryable:   true,
		Strategy:    StrategyLinear,
		MaxRetries:  2,
		UserMessage: "The operation took longer than expected and timed out.",
		RecoveryActions: []string{
			"Break the task into smaller pieces",
			"Comment '/retry' to attempt again",
		},
	},
	ResourceExhaustion: {
		Severity:    SeverityHigh,
		Retryable:   true,
		Strategy:    StrategyFixed,
		MaxRetries:  2,
		Escalate:    true,
		UserMessage: "The system is temporarily out of capacity. Your task will be retried.",
		RecoveryActions: []string{
			"Wait for running tasks to finish",
			"Comment '/retry' to attempt again",
		},
	},
	SandboxFailure: {
		Severity:    SeverityHigh,
		Retryable:   true,
		Strategy:    StrategyFixed,
		MaxRetries:  2,
		UserMessage: "I couldn't prepare an isolated workspace for this task.",
		RecoveryActions: []string{
			"Check repository access and disk space",
			"Comment '/retry' to attempt again",
		},
	},
	WorkUnitFailure: {
		Severity:    SeverityMedium,
		Retryable:   true,
		Strategy:    StrategyExponential,
		MaxRetries:  2,
		UserMessage: "The code generation step failed.",
		RecoveryActions: []string{
			"Clarify the task description",
			"Comment '/retry' to attempt again",
		},
	},
	Permission: {
		Severity:    SeverityCritical,
		Retryable:   false,
		Strategy:    StrategyNone,
		UserMessage: "I don't have the required permissions to complete this task.",
		RecoveryActions: []string{
			"Check repository permissions for the agent",
			"Contact a repository administrator",
		},
	},
	Validation: {
		Severity:    SeverityLow,
		Retryable:   false,
		Strategy:    StrategyNone,
		UserMessage: "The task description is missing required information.",
		RecoveryActions: []string{
			"Update the issue with the missing details",
			"Comment '/retry' after updating",
		},
	},
	ConflictingActiveJob: {
		Severity:        SeverityHigh,
		Retryable:       false,
		Strategy:        StrategyNone,
		UserMessage:     "Another task is already running for this issue.",
		RecoveryActions: []string{"Wait for the current task to finish or comment '/cancel'"},
	},
	InvalidTransition: {
		Severity:        SeverityHigh,
		Retryable:       false,
		Strategy:        StrategyNone,
		UserMessage:     "An internal ordering error occurred.",
		RecoveryActions: []string{"Report this issue to the maintainers"},
	},
	Cancelled: {
		Severity:        SeverityLow,
		Retryable:       false,
		Strategy:        StrategyNone,
		UserMessage:     "The task was cancelled.",
		RecoveryActions: []string{"Add the 'agent:queued' label to start again"},
	},
	Unknown: {
		Severity:    SeverityMedium,
		Retryable:   false,
		Strategy:    StrategyNone,
		UserMessage: "An unexpected error occurred.",
		RecoveryActions: []string{
			"Comment '/retry' to attempt again",
			"Contact an administrator if the problem persists",
		},
	},
}

// PolicyFor returns the policy for c, falling back to Unknown.
func PolicyFor(c Category) Policy {
	if p, ok := policies[c]; ok {
		return p
	}
	return policies[Unknown]
}
