package models

import "github.com/pkg/errors"

// Sentinel errors for the engine's error kinds. Callers match with
// errors.Is; wrapping adds call-site context.
var (
	// ErrInvalidModel indicates a workflow document failed schema or
	// cross-reference validation. Surfaced synchronously, never starts an
	// execution.
	ErrInvalidModel = errors.New("invalid workflow model")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a uniqueness constraint was violated.
	ErrDuplicate = errors.New("already exists")

	// ErrInvalidStateTransition indicates a state machine was asked to make
	// a transition outside the transition table. The enclosing transaction
	// must be rolled back.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrExpression indicates the data-flow evaluator failed on a malformed
	// expression. The owning task is transitioned to ERROR.
	ErrExpression = errors.New("expression evaluation failed")

	// ErrActionFailed indicates an action reported failure; handled by the
	// task's retry and continue-on policy.
	ErrActionFailed = errors.New("action failed")

	// ErrStorageConflict indicates a transient storage failure (deadlock,
	// serialization conflict). Callers retry with bounded backoff.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrTimeout indicates a task or workflow exceeded its deadline.
	ErrTimeout = errors.New("timed out")
)
