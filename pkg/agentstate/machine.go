package agentstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"issueagent/pkg/logx"
)

// maxHistory bounds the per-job transition log.
const maxHistory = 100

// Transition is one committed state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Machine is the lifecycle state of one job. All methods are safe for concurrent
// use; transitions are linearized under the machine lock.
type Machine struct {
	mu         sync.Mutex
	jobID      string
	subject    Subject
	state      State
	origin     State // state RECOVERING was entered from
	progress   int
	history    []Transition
	dispatcher Dispatcher
	logger     *logx.Logger

	// OnTransition runs after a transition commits, under no machine lock.
	OnTransition func(t Transition)
}

// NewMachine creates a machine in initial. A nil dispatcher discards syncs.
func NewMachine(jobID string, subject Subject, initial State, d Dispatcher) *Machine {
	if initial == "" {
		initial = StateQueued
	}
	return &Machine{
		jobID:      jobID,
		subject:    subject,
		state:      initial,
		progress:   initial.Progress(),
		dispatcher: d,
		logger:     logx.NewLogger("agentstate"),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Progress returns the last reported progress percentage.
func (m *Machine) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}

// RecoveringFrom returns the state RECOVERING was entered from, or "" when not recovering.
func (m *Machine) RecoveringFrom() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRecovering {
		return ""
	}
	return m.origin
}

// History returns a copy of the committed transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// CanTransition reports whether to is a legal successor of the current state.
func (m *Machine) CanTransition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowedLocked(to)
}

func (m *Machine) allowedLocked(to State) bool {
	if !IsValidTransition(m.state, to) {
		return false
	}
	if m.state == StateRecovering {
		switch to {
		case StateFailed, StateCancelled, StateEscalated:
			return true
		default:
			return to == m.origin
		}
	}
	return true
}

// Transition moves the job to target. It reads the current state and applies
// the change atomically, then hands the external sync to the dispatcher; a
// failing notifier never undoes or blocks the transition. reason replaces the
// default state message in the sync when non-empty.
func (m *Machine) Transition(ctx context.Context, target State, reason string) (Transition, error) {
	if err := ctx.Err(); err != nil && !target.IsTerminal() {
		return Transition{}, fmt.Errorf("state transition cancelled: %w", err)
	}

	m.mu.Lock()
	from := m.state
	if !m.allowedLocked(target) {
		m.mu.Unlock()
		return Transition{}, fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, target)
	}

	t := Transition{From: from, To: target, At: time.Now().UTC(), Reason: reason}
	if target == StateRecovering {
		m.origin = from
	} else {
		m.origin = ""
	}
	m.state = target
	// failure-side states keep the last reported progress
	if p, ok := stateProgress[target]; ok {
		m.progress = p
	}
	m.history = append(m.history, t)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	progress := m.progress
	hook := m.OnTransition
	m.mu.Unlock()

	m.logger.ForJob(m.jobID, logx.LevelInfo, "🔄 %s → %s", from, target)
	logx.DebugState(ctx, "agentstate", "transition", target.String(), reason)

	if m.dispatcher != nil {
		msg := reason
		if msg == "" {
			msg = target.Message()
		}
		m.dispatcher.Enqueue(Update{
			JobID:    m.jobID,
			Subject:  m.subject,
			Kind:     UpdateState,
			From:     from,
			To:       target,
			Progress: progress,
			Message:  msg,
			At:       t.At,
		})
	}
	if hook != nil {
		hook(t)
	}
	return t, nil
}

// UpdateProgress reports progress without changing state. percent is clamped to 0-100.
func (m *Machine) UpdateProgress(_ context.Context, percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	m.mu.Lock()
	m.progress = percent
	state := m.state
	m.mu.Unlock()

	if m.dispatcher != nil {
		m.dispatcher.Enqueue(Update{
			JobID:    m.jobID,
			Subject:  m.subject,
			Kind:     UpdateProgress,
			From:     state,
			To:       state,
			Progress: percent,
			Message:  message,
		})
	}
}
