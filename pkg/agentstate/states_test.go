package agentstate

import (
	"testing"
)

func TestLabels(t *testing.T) {
	tests := map[State]string{
		StateQueued:           "agent:queued",
		StateInProgress:       "agent:in-progress",
		StateAwaitingFeedback: "agent:awaiting-feedback",
		StateEscalated:        "agent:escalated",
	}
	for state, want := range tests {
		if got := state.Label(); got != want {
			t.Errorf("Expected label %s for %s, got %s", want, state, got)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, s := range AllStates() {
		got, err := ParseState(s.Label())
		if err != nil || got != s {
			t.Errorf("Expected %s from label %s, got %s (%v)", s, s.Label(), got, err)
		}
		got, err = ParseState(string(s))
		if err != nil || got != s {
			t.Errorf("Expected %s from name, got %s (%v)", s, got, err)
		}
	}
	if _, err := ParseState("agent:bogus"); err == nil {
		t.Error("Expected error for unknown state")
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled, StateEscalated} {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
		if succ := ValidSuccessors(s); len(succ) != 0 {
			t.Errorf("Expected no successors for %s, got %v", s, succ)
		}
	}
}

func TestLinearPath(t *testing.T) {
	path := []State{StateQueued, StateValidating, StateAnalyzing, StateInProgress, StateImplementing, StateTesting, StateCompleted}
	for i := 0; i < len(path)-1; i++ {
		if !IsValidTransition(path[i], path[i+1]) {
			t.Errorf("Expected %s -> %s to be valid", path[i], path[i+1])
		}
	}
}

func TestSideBranchesFromEveryActiveState(t *testing.T) {
	for _, s := range AllStates() {
		if s.IsTerminal() {
			continue
		}
		for _, to := range []State{StateFailed, StateCancelled, StateEscalated} {
			if !IsValidTransition(s, to) {
				t.Errorf("Expected side branch %s -> %s", s, to)
			}
		}
	}
}

func TestIllegalEdges(t *testing.T) {
	illegal := [][2]State{
		{StateQueued, StateCompleted},
		{StateQueued, StateImplementing},
		{StateAnalyzing, StateTesting},
		{StateRecovering, StateRecovering},
		{StateRecovering, StateAwaitingFeedback},
		{StateCompleted, StateQueued},
		{StateFailed, StateRecovering},
	}
	for _, e := range illegal {
		if IsValidTransition(e[0], e[1]) {
			t.Errorf("Expected %s -> %s to be invalid", e[0], e[1])
		}
	}
}

func TestCanAccept(t *testing.T) {
	if !CanAccept(StateAwaitingFeedback, EventFeedback) {
		t.Error("Expected AWAITING_FEEDBACK to accept feedback")
	}
	if CanAccept(StateInProgress, EventFeedback) {
		t.Error("Expected IN_PROGRESS to reject feedback")
	}
	if !CanAccept(StateImplementing, EventCancelCommand) {
		t.Error("Expected active job to accept cancel")
	}
	if CanAccept(StateCompleted, EventCancelCommand) {
		t.Error("Expected terminal job to accept nothing")
	}
	if CanAccept(StateQueued, EventOpened) {
		t.Error("Expected opened to be rejected for an active job")
	}
}
