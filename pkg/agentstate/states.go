// Package agentstate implements the job lifecycle state machine and the
// at-least-once external sync of state labels and comments.
package agentstate

import (
	"errors"
	"fmt"
	"strings"
)

// State is a job lifecycle state.
type State string

const (
	StateQueued           State = "QUEUED"
	StateValidating       State = "VALIDATING"
	StateAnalyzing        State = "ANALYZING"
	StateInProgress       State = "IN_PROGRESS"
	StateAwaitingFeedback State = "AWAITING_FEEDBACK"
	StateImplementing     State = "IMPLEMENTING"
	StateTesting          State = "TESTING"
	StateRecovering       State = "RECOVERING"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
	StateCancelled        State = "CANCELLED"
	StateEscalated        State = "ESCALATED"
)

// ErrInvalidTransition is returned for edges missing from the transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

func (s State) String() string {
	return string(s)
}

// Label is the issue label that mirrors the state, e.g. agent:in-progress.
func (s State) Label() string {
	return "agent:" + strings.ReplaceAll(strings.ToLower(string(s)), "_", "-")
}

// IsTerminal reports whether no automated transition may leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateEscalated:
		return true
	default:
		return false
	}
}

// Progress is the nominal completion percentage shown for s.
func (s State) Progress() int {
	return stateProgress[s]
}

// Message is the default user-facing message for s.
func (s State) Message() string {
	if msg, ok := stateMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("Task is now %s.", strings.ToLower(string(s)))
}

// AllStates lists every state.
func AllStates() []State {
	return []State{
		StateQueued, StateValidating, StateAnalyzing, StateInProgress, StateAwaitingFeedback,
		StateImplementing, StateTesting, StateRecovering, StateCompleted, StateFailed,
		StateCancelled, StateEscalated,
	}
}

// ParseState accepts either a state name (IN_PROGRESS) or a label (agent:in-progress).
func ParseState(s string) (State, error) {
	for _, st := range AllStates() {
		if strings.EqualFold(s, string(st)) || s == st.Label() {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown state %q", s)
}

//nolint:gochecknoglobals
var stateProgress = map[State]int{
	StateQueued:           0,
	StateValidating:       5,
	StateAnalyzing:        15,
	StateInProgress:       30,
	StateAwaitingFeedback: 50,
	StateImplementing:     60,
	StateTesting:          80,
	StateCompleted:        100,
}

//nolint:gochecknoglobals
var stateMessages = map[State]string{
	StateQueued:           "Your task has been queued and will be processed shortly.",
	StateValidating:       "Validating your task requirements...",
	StateAnalyzing:        "Analyzing the codebase and planning the implementation...",
	StateInProgress:       "Working on your task...",
	StateAwaitingFeedback: "I need more information to proceed. Please see my questions above.",
	StateImplementing:     "Implementing the solution...",
	StateTesting:          "Running tests to verify the implementation...",
	StateRecovering:       "Something went wrong. Recovering and retrying...",
	StateCompleted:        "Task completed successfully!",
	StateFailed:           "Task failed. Please check the error details below.",
	StateCancelled:        "Task has been cancelled.",
	StateEscalated:        "This task has been escalated for human review.",
}

// Transitions is the linear path plus its explicit back-edges. The side branches
// available from every non-terminal state are added by IsValidTransition.
//
//nolint:gochecknoglobals
var Transitions = map[State][]State{
	// QUEUED starts validation or is cancelled before it runs
	StateQueued: {StateValidating, StateCancelled},

	// VALIDATING may short-circuit to work or completion, or ask for details
	StateValidating: {StateAnalyzing, StateInProgress, StateCompleted, StateAwaitingFeedback, StateFailed},

	// ANALYZING produces a plan or asks for clarification
	StateAnalyzing: {StateInProgress, StateAwaitingFeedback, StateFailed},

	// IN_PROGRESS holds a sandbox and hands off to implementation
	StateInProgress: {StateImplementing, StateAwaitingFeedback, StateFailed, StateCancelled},

	// IMPLEMENTING runs the work unit
	StateImplementing: {StateTesting, StateCompleted, StateFailed},

	// TESTING can send the job back to IMPLEMENTING
	StateTesting: {StateCompleted, StateFailed, StateImplementing},

	// AWAITING_FEEDBACK resumes on a reply
	StateAwaitingFeedback: {StateInProgress, StateImplementing, StateCancelled, StateEscalated},

	// RECOVERING re-enters the stage it came from; Machine narrows this to the recorded origin
	StateRecovering: {StateValidating, StateAnalyzing, StateInProgress, StateImplementing, StateTesting, StateFailed},
}

// sideBranches are reachable from every non-terminal state.
//
//nolint:gochecknoglobals
var sideBranches = []State{StateAwaitingFeedback, StateFailed, StateCancelled, StateEscalated, StateRecovering}

// IsValidTransition reports whether from -> to is an edge of the lifecycle graph.
// It does not know about RECOVERING origins; Machine enforces those.
func IsValidTransition(from, to State) bool {
	if from.IsTerminal() || from == to {
		return false
	}
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	if from == StateRecovering && to == StateAwaitingFeedback {
		return false
	}
	for _, s := range sideBranches {
		if s == to {
			return true
		}
	}
	return false
}

// ValidSuccessors lists every legal target from s.
func ValidSuccessors(s State) []State {
	var out []State
	for _, to := range AllStates() {
		if IsValidTransition(s, to) {
			out = append(out, to)
		}
	}
	return out
}
