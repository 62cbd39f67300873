package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowDefinition is a stored workflow document. Uniqueness is
// (name, namespace, project_id); executions reference definitions by UUID
// but snapshot the parsed spec so later definition updates cannot change a
// running execution.
type WorkflowDefinition struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Namespace  string    `json:"namespace" db:"namespace"`
	ProjectID  string    `json:"project_id" db:"project_id"`
	Version    int       `json:"version" db:"version"`
	Definition string    `json:"definition" db:"definition"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// SpecDocument stores a parsed WorkflowSpec snapshot as a JSONB column.
type SpecDocument struct {
	Spec *WorkflowSpec
}

// Value implements driver.Valuer for database serialization
func (d SpecDocument) Value() (driver.Value, error) {
	return json.Marshal(d.Spec)
}

// Scan implements sql.Scanner for database deserialization
func (d *SpecDocument) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		d.Spec = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into SpecDocument", value)
	}
	d.Spec = &WorkflowSpec{}
	return json.Unmarshal(data, d.Spec)
}

// MarshalJSON implements json.Marshaler
func (d SpecDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Spec)
}

// UnmarshalJSON implements json.Unmarshaler
func (d *SpecDocument) UnmarshalJSON(data []byte) error {
	d.Spec = &WorkflowSpec{}
	return json.Unmarshal(data, d.Spec)
}

// WorkflowExecution is one run of a workflow. Context accumulates names
// published by tasks; Output is evaluated once the execution completes.
type WorkflowExecution struct {
	ID                uuid.UUID    `json:"id" db:"id"`
	WorkflowName      string       `json:"workflow_name" db:"workflow_name"`
	WorkflowNamespace string       `json:"workflow_namespace" db:"workflow_namespace"`
	ProjectID         string       `json:"project_id" db:"project_id"`
	Spec              SpecDocument `json:"spec" db:"spec"`
	State             State        `json:"state" db:"state"`
	StateInfo         string       `json:"state_info,omitempty" db:"state_info"`
	Input             JSONMap      `json:"input" db:"input"`
	Context           JSONMap      `json:"context" db:"context"`
	Output            JSONMap      `json:"output,omitempty" db:"output"`

	// ParentTaskID links a sub-workflow execution to the task that spawned
	// it; nil for top-level executions.
	ParentTaskID *uuid.UUID `json:"parent_task_id,omitempty" db:"parent_task_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the execution reached SUCCESS or ERROR.
func (e *WorkflowExecution) IsTerminal() bool {
	return e.State.Finished()
}

// TaskDocument stores the TaskSpec snapshot on a task execution row.
type TaskDocument struct {
	Spec *TaskSpec
}

// Value implements driver.Valuer for database serialization
func (d TaskDocument) Value() (driver.Value, error) {
	return json.Marshal(d.Spec)
}

// Scan implements sql.Scanner for database deserialization
func (d *TaskDocument) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		d.Spec = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan type %T into TaskDocument", value)
	}
	d.Spec = &TaskSpec{}
	return json.Unmarshal(data, d.Spec)
}

// MarshalJSON implements json.Marshaler
func (d TaskDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Spec)
}

// UnmarshalJSON implements json.Unmarshaler
func (d *TaskDocument) UnmarshalJSON(data []byte) error {
	d.Spec = &TaskSpec{}
	return json.Unmarshal(data, d.Spec)
}

// TaskExecution is one scheduled task of a workflow execution. Published
// records the names this task wrote into the workflow context so a rerun
// can retract them.
type TaskExecution struct {
	ID                  uuid.UUID    `json:"id" db:"id"`
	WorkflowExecutionID uuid.UUID    `json:"workflow_execution_id" db:"workflow_execution_id"`
	Name                string       `json:"name" db:"name"`
	Spec                TaskDocument `json:"spec" db:"spec"`
	State               State        `json:"state" db:"state"`
	StateInfo           string       `json:"state_info,omitempty" db:"state_info"`
	Input               JSONMap      `json:"input" db:"input"`
	Published           JSONMap      `json:"published,omitempty" db:"published"`
	Result              JSONValue    `json:"result,omitempty" db:"result"`

	// Attempts counts action invocations so far; retries increment it.
	Attempts int `json:"attempts" db:"attempts"`
	// PendingItems is the number of with-items actions still outstanding.
	PendingItems int `json:"pending_items" db:"pending_items"`
	// FailedItems counts with-items actions that reported failure.
	FailedItems int `json:"failed_items" db:"failed_items"`

	DeadlineAt *time.Time `json:"deadline_at,omitempty" db:"deadline_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the task reached SUCCESS or ERROR.
func (t *TaskExecution) IsTerminal() bool {
	return t.State.Finished()
}

// ActionExecution is one at-least-once invocation of an action on behalf of
// a task. A late result for an already-resolved task is persisted here but
// no longer affects task state.
type ActionExecution struct {
	ID              uuid.UUID `json:"id" db:"id"`
	TaskExecutionID uuid.UUID `json:"task_execution_id" db:"task_execution_id"`
	Name            string    `json:"name" db:"name"`
	Input           JSONMap   `json:"input" db:"input"`
	Output          JSONValue `json:"output,omitempty" db:"output"`
	ErrorInfo       string    `json:"error_info,omitempty" db:"error_info"`
	Attempt         int       `json:"attempt" db:"attempt"`
	// ItemIndex orders with-items invocations; -1 for plain actions.
	ItemIndex int       `json:"item_index" db:"item_index"`
	State     State     `json:"state" db:"state"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DelayKind classifies a delayed call.
type DelayKind string

// Delayed call kinds
const (
	DelayWaitBefore DelayKind = "wait_before"
	DelayWaitAfter  DelayKind = "wait_after"
	DelayRetry      DelayKind = "retry"
	DelayTimeout    DelayKind = "timeout"
)

// DelayedCall is one entry of the persistent timer queue. TaskExecutionID
// is nil for workflow-level timeouts.
type DelayedCall struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	WorkflowExecutionID uuid.UUID  `json:"workflow_execution_id" db:"workflow_execution_id"`
	TaskExecutionID     *uuid.UUID `json:"task_execution_id,omitempty" db:"task_execution_id"`
	Kind                DelayKind  `json:"kind" db:"kind"`
	DeadlineAt          time.Time  `json:"deadline_at" db:"deadline_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}
