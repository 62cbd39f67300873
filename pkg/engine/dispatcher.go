package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/store"
)

// effects collects the side effects a handler may not perform inside its
// transaction: runner invocations, cancellations and follow-up events.
// They are applied only after the transaction commits; a rolled back
// handler leaves no trace.
type effects struct {
	runs           []actionRun
	cancels        []uuid.UUID
	childStarts    []uuid.UUID
	childStops     []uuid.UUID
	childCancels   []uuid.UUID
	parentNotifies []parentNotify
}

type actionRun struct {
	actionExecID uuid.UUID
	actionRef    string
	input        map[string]interface{}
}

// parentNotify posts a sub-workflow's terminal result onto the parent task
// as an action_done event.
type parentNotify struct {
	parentTaskID uuid.UUID
	success      bool
	result       interface{}
	errorInfo    string
}

// HandleEvent applies one event atomically: a single transaction locks the
// workflow execution row, runs the state machines, commits, then applies
// the accumulated side effects. Storage conflicts retry the whole handler;
// the effects set is rebuilt on each attempt so a retried handler cannot
// double-fire.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) error {
	ctx, span := e.tracer(ctx, "Engine.HandleEvent")
	defer span.End()
	span.SetAttribute("event.type", string(ev.Type))
	span.SetAttribute("workflow_execution_id", ev.WorkflowExecutionID.String())

	started := time.Now()
	var eff *effects
	err := store.RetryOnConflict(ctx, func() error {
		eff = &effects{}
		return e.handleEventTx(ctx, ev, eff)
	})
	if err != nil {
		span.RecordError(err)
		e.metrics.IncrementCounterWithLabels("engine_event_failures", 1, map[string]string{
			"type": string(ev.Type),
		})
		e.logger.Error("Event handling failed", map[string]interface{}{
			"event_id":     ev.ID,
			"type":         ev.Type,
			"execution_id": ev.WorkflowExecutionID,
			"error":        err.Error(),
		})
		return err
	}

	e.metrics.IncrementCounterWithLabels("engine_events", 1, map[string]string{
		"type": string(ev.Type),
	})
	e.metrics.RecordDuration("engine_event_duration", time.Since(started))

	e.applyEffects(ctx, eff)
	return nil
}

func (e *Engine) handleEventTx(ctx context.Context, ev Event, eff *effects) (err error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	wx, err := e.store.GetWorkflowExecutionForUpdate(ctx, tx, ev.WorkflowExecutionID)
	if err != nil {
		return err
	}

	switch ev.Type {
	case EventStart:
		err = e.handleStart(ctx, tx, wx, ev, eff)
	case EventActionDone:
		err = e.handleActionDone(ctx, tx, wx, ev, eff)
	case EventTimerFired:
		err = e.handleTimerFired(ctx, tx, wx, ev, eff)
	case EventStop:
		err = e.handleStop(ctx, tx, wx, eff)
	case EventCancel:
		err = e.handleCancel(ctx, tx, wx, "execution cancelled", eff)
	default:
		err = errors.Errorf("unknown event type %q", ev.Type)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// applyEffects performs post-commit side effects. Failures are logged, not
// returned: the committed state is already durable and the at-least-once
// contract lets a replay repair a lost invocation.
func (e *Engine) applyEffects(ctx context.Context, eff *effects) {
	for _, run := range eff.runs {
		receipt, err := e.runner.Run(ctx, run.actionExecID, run.actionRef, run.input)
		if err != nil {
			if derr := e.Deliver(ctx, run.actionExecID, false, nil, err.Error()); derr != nil {
				e.logger.Error("Failed to deliver runner error", map[string]interface{}{
					"action_exec_id": run.actionExecID,
					"error":          derr.Error(),
				})
			}
			continue
		}
		if receipt != nil && receipt.Completed {
			if derr := e.Deliver(ctx, run.actionExecID, receipt.Success, receipt.Result, receipt.Error); derr != nil {
				e.logger.Error("Failed to deliver action result", map[string]interface{}{
					"action_exec_id": run.actionExecID,
					"error":          derr.Error(),
				})
			}
		}
	}

	for _, id := range eff.cancels {
		if err := e.runner.Cancel(ctx, id); err != nil {
			e.logger.Warn("Action cancel failed", map[string]interface{}{
				"action_exec_id": id,
				"error":          err.Error(),
			})
		}
	}

	for _, id := range eff.childStarts {
		if err := e.HandleEvent(ctx, NewEvent(EventStart, id)); err != nil {
			e.logger.Error("Sub-workflow start failed", map[string]interface{}{
				"execution_id": id,
				"error":        err.Error(),
			})
		}
	}
	for _, id := range eff.childStops {
		if err := e.HandleEvent(ctx, NewEvent(EventStop, id)); err != nil {
			e.logger.Error("Sub-workflow stop failed", map[string]interface{}{
				"execution_id": id,
				"error":        err.Error(),
			})
		}
	}
	for _, id := range eff.childCancels {
		if err := e.HandleEvent(ctx, NewEvent(EventCancel, id)); err != nil {
			e.logger.Error("Sub-workflow cancel failed", map[string]interface{}{
				"execution_id": id,
				"error":        err.Error(),
			})
		}
	}

	for _, pn := range eff.parentNotifies {
		if err := e.notifyParent(ctx, pn); err != nil {
			e.logger.Error("Parent notification failed", map[string]interface{}{
				"parent_task_id": pn.parentTaskID,
				"error":          err.Error(),
			})
		}
	}
}

func (e *Engine) notifyParent(ctx context.Context, pn parentNotify) error {
	task, err := e.store.GetTaskExecution(ctx, pn.parentTaskID)
	if err != nil {
		return err
	}
	ev := NewEvent(EventActionDone, task.WorkflowExecutionID)
	ev.TaskExecutionID = &task.ID
	ev.Success = pn.success
	ev.Result = pn.result
	ev.ErrorInfo = pn.errorInfo
	return e.HandleEvent(ctx, ev)
}

// handleStart transitions a created or stopped execution to RUNNING and
// schedules the eligible task set. Replays on a RUNNING or terminal
// execution are no-ops.
func (e *Engine) handleStart(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, ev Event, eff *effects) error {
	spec := wx.Spec.Spec

	switch wx.State {
	case models.StateIdle:
		wx.State = models.StateRunning
		wx.StateInfo = ""
		if err := e.store.UpdateWorkflowExecution(ctx, tx, wx); err != nil {
			return err
		}
		if spec.Timeout > 0 {
			call := &models.DelayedCall{
				WorkflowExecutionID: wx.ID,
				Kind:                models.DelayTimeout,
				DeadlineAt:          time.Now().UTC().Add(time.Duration(spec.Timeout) * time.Second),
			}
			if err := e.store.CreateDelayedCall(ctx, tx, call); err != nil {
				return err
			}
		}
		return e.scheduleInitialTasks(ctx, tx, wx, ev.TargetTasks, eff)

	case models.StateStopped:
		wx.State = models.StateRunning
		wx.StateInfo = ""
		if err := e.store.UpdateWorkflowExecution(ctx, tx, wx); err != nil {
			return err
		}
		tasks, err := e.store.ListTaskExecutions(ctx, tx, wx.ID)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			// A delegate task stays DELAYED across stop/resume; the stop
			// propagated to its child, so resume has to start the child
			// back up.
			if task.State == models.StateDelayed && task.StateInfo == stateInfoAwaitingChild {
				child, err := e.store.GetChildWorkflowExecution(ctx, tx, task.ID)
				if err == nil {
					eff.childStarts = append(eff.childStarts, child.ID)
				} else if !errors.Is(err, models.ErrNotFound) {
					return err
				}
				continue
			}
			switch task.State {
			case models.StateStopped:
				if err := e.startTaskRun(ctx, tx, wx, task, eff); err != nil {
					return err
				}
			case models.StateIdle:
				if err := e.maybeStartTask(ctx, tx, wx, task, eff); err != nil {
					return err
				}
			}
		}
		return nil

	default:
		// Already running or terminal; replay is a no-op.
		return nil
	}
}

// scheduleInitialTasks computes the initial task set: the start task for a
// direct workflow, the dependency closure of the requested targets for a
// reverse one.
func (e *Engine) scheduleInitialTasks(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, targets []string, eff *effects) error {
	spec := wx.Spec.Spec

	if spec.Type == models.WorkflowTypeDirect {
		return e.scheduleTask(ctx, tx, wx, spec.StartTask, eff)
	}

	if len(targets) == 0 {
		targets = spec.SinkTasks()
	}
	closure, err := spec.DependencyClosure(targets)
	if err != nil {
		return e.failWorkflow(ctx, tx, wx, err.Error(), eff)
	}
	// Rows for the whole closure are created up front so the scheduled
	// set is exactly the closure; each task starts once its dependencies
	// succeed.
	for _, name := range closure {
		if err := e.createTaskRow(ctx, tx, wx, name); err != nil {
			return err
		}
	}
	for _, name := range closure {
		task, err := e.store.GetTaskExecutionByName(ctx, tx, wx.ID, name)
		if err != nil {
			return err
		}
		if err := e.maybeStartTask(ctx, tx, wx, task, eff); err != nil {
			return err
		}
	}
	return nil
}
