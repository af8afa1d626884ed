package schema

// EventKind enumerates the lifecycle notification kinds emitted by the
// executor, in the order they can occur within one run.
type EventKind string

const (
	EventFlowStart     EventKind = "flow_start"
	EventStateStart    EventKind = "state_start"
	EventStateComplete EventKind = "state_complete"
	EventFlowComplete  EventKind = "flow_complete"
	EventFlowError     EventKind = "flow_error"
)

// NotificationEvent is a best-effort progress event. Created and consumed
// transiently, never persisted. Progress is nil for flow_error events and
// approximate for graphs with loops or branches (executed states versus a
// static state-count hint).
type NotificationEvent struct {
	RunID    string         `json:"run_id"`
	Kind     EventKind      `json:"kind"`
	Progress *int           `json:"progress,omitempty"` // 0..100
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Metadata keys carried by kind-specific events.
const (
	MetaStateID      = "state_id"
	MetaNextStateID  = "next_state_id"
	MetaWorkflow     = "workflow"
	MetaFailedState  = "failed_state"
	MetaErrorMessage = "error_message"
	MetaFinalState   = "final_state"
)

// Progress clamps a raw percentage into 0..100 and returns a pointer
// suitable for NotificationEvent.Progress.
func Progress(executed, totalHint int) *int {
	if totalHint <= 0 {
		zero := 0
		return &zero
	}
	p := 100 * executed / totalHint
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return &p
}
