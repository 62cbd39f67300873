// Package store is the execution store: every component mutates workflow,
// task and action execution state only through this transactional contract.
// Two implementations exist: Postgres (production, row-level locking) and an
// in-memory store with the same semantics for embedded runs and tests.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/pkg/models"
)

// Tx is one storage transaction. Mutating operations take the Tx they must
// run under; the engine opens exactly one per event.
type Tx interface {
	Commit() error
	Rollback() error
}

// ExecutionStore persists workflow definitions and the execution entities.
// GetForUpdate variants acquire a row-level exclusive lock for the
// transaction and must be used by anyone intending to mutate. Update
// variants reject state changes outside the transition table with
// ErrInvalidStateTransition, failing the transaction.
type ExecutionStore interface {
	Begin(ctx context.Context) (Tx, error)

	// Workflow definitions; identity (name, namespace, project_id).
	CreateWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	UpdateWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, name, namespace, projectID string) (*models.WorkflowDefinition, error)
	ListWorkflowDefinitions(ctx context.Context, namespace, projectID string) ([]*models.WorkflowDefinition, error)
	DeleteWorkflowDefinition(ctx context.Context, name, namespace, projectID string) error

	// Workflow executions.
	CreateWorkflowExecution(ctx context.Context, tx Tx, wx *models.WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error)
	GetWorkflowExecutionForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*models.WorkflowExecution, error)
	UpdateWorkflowExecution(ctx context.Context, tx Tx, wx *models.WorkflowExecution) error
	// DeleteWorkflowExecution cascades to tasks, actions, delayed calls and
	// child workflow executions.
	DeleteWorkflowExecution(ctx context.Context, id uuid.UUID) error
	// GetChildWorkflowExecution finds the sub-workflow spawned by a task.
	GetChildWorkflowExecution(ctx context.Context, tx Tx, parentTaskID uuid.UUID) (*models.WorkflowExecution, error)

	// ResetWorkflowExecution is the administrative update behind rerun: it
	// bypasses transition validation so a terminal execution can return to
	// RUNNING. Only the rerun path may use it.
	ResetWorkflowExecution(ctx context.Context, tx Tx, wx *models.WorkflowExecution) error

	// Task executions.
	CreateTaskExecution(ctx context.Context, tx Tx, task *models.TaskExecution) error
	// GetTaskExecution reads a task snapshot without a transaction; used to
	// route callbacks before the workflow row is locked.
	GetTaskExecution(ctx context.Context, id uuid.UUID) (*models.TaskExecution, error)
	GetTaskExecutionForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*models.TaskExecution, error)
	GetTaskExecutionByName(ctx context.Context, tx Tx, workflowExecutionID uuid.UUID, name string) (*models.TaskExecution, error)
	ListTaskExecutions(ctx context.Context, tx Tx, workflowExecutionID uuid.UUID) ([]*models.TaskExecution, error)
	UpdateTaskExecution(ctx context.Context, tx Tx, task *models.TaskExecution) error
	// ResetTaskExecution is the administrative update behind rerun; see
	// ResetWorkflowExecution.
	ResetTaskExecution(ctx context.Context, tx Tx, task *models.TaskExecution) error
	DeleteTaskExecution(ctx context.Context, tx Tx, id uuid.UUID) error

	// Action executions.
	CreateActionExecution(ctx context.Context, tx Tx, action *models.ActionExecution) error
	// GetActionExecution reads an action snapshot without a transaction.
	GetActionExecution(ctx context.Context, id uuid.UUID) (*models.ActionExecution, error)
	GetActionExecutionForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*models.ActionExecution, error)
	UpdateActionExecution(ctx context.Context, tx Tx, action *models.ActionExecution) error
	// ListActionExecutions lists a task's actions; tx may be nil for a
	// snapshot read.
	ListActionExecutions(ctx context.Context, tx Tx, taskExecutionID uuid.UUID) ([]*models.ActionExecution, error)

	// Delayed calls: the persistent timer queue.
	CreateDelayedCall(ctx context.Context, tx Tx, call *models.DelayedCall) error
	// FindReadyDelayed returns calls whose deadline is at or before now,
	// ordered by deadline ascending, at most limit entries.
	FindReadyDelayed(ctx context.Context, now time.Time, limit int) ([]*models.DelayedCall, error)
	// DeleteDelayedCall consumes a timer; false means another handler
	// already consumed it and the caller's event is stale.
	DeleteDelayedCall(ctx context.Context, tx Tx, id uuid.UUID) (bool, error)
	// DeleteDelayedCallsForTask drops outstanding timers of the given kinds
	// for a task; all kinds when none are given.
	DeleteDelayedCallsForTask(ctx context.Context, tx Tx, taskExecutionID uuid.UUID, kinds ...models.DelayKind) error

	Close() error
}
