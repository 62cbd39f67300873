// Package actions defines the ActionRunner contract the engine invokes
// tasks through, plus the built-in runners: an in-process registry for
// local actions and an HTTP runner for remote calls.
package actions

import (
	"context"

	"github.com/google/uuid"
)

// Receipt is the synchronous answer to Run. Completed=false means the
// result will arrive later through the engine's Deliver callback.
type Receipt struct {
	Completed bool
	Success   bool
	Result    interface{}
	Error     string
}

// Runner executes actions on behalf of task executions. Run is
// at-least-once: the engine may invoke the same action execution again
// after a crash, identified by actionExecID as the idempotency key. Cancel
// is best effort and always safe to call.
type Runner interface {
	Run(ctx context.Context, actionExecID uuid.UUID, actionRef string, input map[string]interface{}) (*Receipt, error)
	Cancel(ctx context.Context, actionExecID uuid.UUID) error
}

// DeliverFunc is the callback entry into the engine for asynchronous
// results; it produces an action_done event.
type DeliverFunc func(ctx context.Context, actionExecID uuid.UUID, success bool, result interface{}, errorInfo string) error
