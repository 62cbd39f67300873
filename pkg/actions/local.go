package actions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/observability"
)

// ActionFunc is an in-process action implementation.
type ActionFunc func(ctx context.Context, input map[string]interface{}) (interface{}, error)

// LocalRunner executes registered in-process actions synchronously. The
// standard library of actions (std.echo, std.noop, std.fail, std.sleep) is
// registered by default; applications add their own with Register.
type LocalRunner struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
	logger  observability.Logger
}

// NewLocalRunner creates a runner with the standard actions registered.
func NewLocalRunner(logger observability.Logger) *LocalRunner {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	r := &LocalRunner{actions: map[string]ActionFunc{}, logger: logger}
	r.Register("std.echo", echoAction)
	r.Register("std.noop", noopAction)
	r.Register("std.fail", failAction)
	r.Register("std.sleep", sleepAction)
	return r
}

// Register adds or replaces an action implementation.
func (r *LocalRunner) Register(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

// Run executes the action synchronously and returns a completed receipt.
// An unregistered action reference is an error receipt, not a Run failure:
// the task's retry policy owns it.
func (r *LocalRunner) Run(ctx context.Context, actionExecID uuid.UUID, actionRef string, input map[string]interface{}) (*Receipt, error) {
	r.mu.RLock()
	fn, ok := r.actions[actionRef]
	r.mu.RUnlock()
	if !ok {
		return &Receipt{Completed: true, Success: false, Error: fmt.Sprintf("unknown action %q", actionRef)}, nil
	}

	result, err := fn(ctx, input)
	if err != nil {
		r.logger.Debug("Action failed", map[string]interface{}{
			"action":         actionRef,
			"action_exec_id": actionExecID,
			"error":          err.Error(),
		})
		return &Receipt{Completed: true, Success: false, Error: err.Error()}, nil
	}
	return &Receipt{Completed: true, Success: true, Result: result}, nil
}

// Cancel is a no-op for synchronous local actions.
func (r *LocalRunner) Cancel(ctx context.Context, actionExecID uuid.UUID) error {
	return nil
}

// echoAction returns its "output" input unchanged.
func echoAction(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	return input["output"], nil
}

func noopAction(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	return nil, nil
}

// failAction always fails; the optional "message" input becomes the reason.
func failAction(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	msg := "fail action invoked"
	if m, ok := input["message"].(string); ok && m != "" {
		msg = m
	}
	return nil, errors.Wrap(models.ErrActionFailed, msg)
}

// sleepAction blocks for "seconds" or until the context is cancelled.
func sleepAction(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	seconds := 1.0
	switch v := input["seconds"].(type) {
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
