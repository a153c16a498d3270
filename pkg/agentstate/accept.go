package agentstate

// EventKind is an inbound event category as seen by the state machine.
type EventKind string

const (
	EventOpened          EventKind = "opened"
	EventEdited          EventKind = "edited"
	EventReopened        EventKind = "reopened"
	EventClosed          EventKind = "closed"
	EventLabeled         EventKind = "labeled"
	EventFeedback        EventKind = "feedback"
	EventCancelCommand   EventKind = "cancel_command"
	EventRetryCommand    EventKind = "retry_command"
	EventEscalateCommand EventKind = "escalate_command"
)

// CanAccept reports whether an event of kind is valid input for a job in state.
// Terminal jobs accept nothing; a retry on a finished issue creates a new job.
func CanAccept(state State, kind EventKind) bool {
	if state.IsTerminal() {
		return false
	}
	switch kind {
	case EventCancelCommand, EventClosed:
		return true
	case EventFeedback, EventEdited, EventRetryCommand, EventEscalateCommand:
		return state == StateAwaitingFeedback
	default:
		return false
	}
}
