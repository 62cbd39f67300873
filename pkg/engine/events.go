package engine

import (
	"github.com/google/uuid"

	"github.com/cascadehq/cascade/pkg/models"
)

// EventType classifies the events that advance an execution.
type EventType string

// Event types
const (
	EventStart      EventType = "start"
	EventActionDone EventType = "action_done"
	EventTimerFired EventType = "timer_fired"
	EventStop       EventType = "stop"
	EventCancel     EventType = "cancel"
)

// Event is one unit of dispatch: an external call, an action result or an
// expired timer, always addressed to a single workflow execution. Handlers
// are idempotent keyed by the event's identifying fields, so a replay after
// a commit is a no-op.
type Event struct {
	ID                  uuid.UUID
	Type                EventType
	WorkflowExecutionID uuid.UUID

	// TaskExecutionID addresses action_done and task timer events.
	TaskExecutionID *uuid.UUID
	// ActionExecutionID is set for action_done events carrying a runner
	// result; nil when the result is a sub-workflow completion.
	ActionExecutionID *uuid.UUID

	// DelayedCallID identifies the consumed timer for timer_fired events.
	DelayedCallID *uuid.UUID
	TimerKind     models.DelayKind

	// Result payload for action_done.
	Success   bool
	Result    interface{}
	ErrorInfo string

	// TargetTasks selects the requested output tasks when starting a
	// reverse workflow; empty means the workflow's sink tasks.
	TargetTasks []string
}

// NewEvent creates an event addressed to a workflow execution.
func NewEvent(eventType EventType, workflowExecutionID uuid.UUID) Event {
	return Event{
		ID:                  uuid.New(),
		Type:                eventType,
		WorkflowExecutionID: workflowExecutionID,
	}
}
