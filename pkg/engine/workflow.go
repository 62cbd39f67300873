package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cascadehq/cascade/pkg/expr"
	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/store"
)

// onTaskTerminal runs the workflow machine after a task reaches SUCCESS or
// ERROR: schedule matching successors, re-evaluate gated tasks, fail the
// workflow on an unconsumed error, or check for completion.
func (e *Engine) onTaskTerminal(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, task *models.TaskExecution, eff *effects) error {
	e.metrics.IncrementCounterWithLabels("engine_tasks_finished", 1, map[string]string{
		"state": string(task.State),
	})
	e.logger.Debug("Task finished", map[string]interface{}{
		"execution_id": wx.ID,
		"task":         task.Name,
		"state":        task.State,
		"state_info":   task.StateInfo,
	})
	if wx.IsTerminal() {
		return nil
	}
	spec := wx.Spec.Spec

	errorHandled := task.State != models.StateError

	if spec.Type == models.WorkflowTypeDirect {
		handled, err := e.scheduleSuccessors(ctx, tx, wx, task, eff)
		if err != nil {
			return err
		}
		if handled {
			errorHandled = true
		}
	}

	// Any IDLE task may have been unblocked (or made unreachable) by this
	// completion: joins in direct workflows, dependents in reverse ones.
	tasks, err := e.store.ListTaskExecutions(ctx, tx, wx.ID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.State == models.StateIdle {
			if err := e.maybeStartTask(ctx, tx, wx, t, eff); err != nil {
				return err
			}
		}
	}

	if !errorHandled {
		return e.failWorkflow(ctx, tx, wx, fmt.Sprintf("task %q failed: %s", task.Name, task.StateInfo), eff)
	}
	return e.checkCompletion(ctx, tx, wx, eff)
}

// scheduleSuccessors evaluates the task-level then workflow-level successor
// policies in the post-publish context and schedules every match. handled
// reports whether a failed task's error was consumed by an error successor.
func (e *Engine) scheduleSuccessors(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, task *models.TaskExecution, eff *effects) (handled bool, err error) {
	spec := wx.Spec.Spec
	tspec := task.Spec.Spec
	ectx := e.evalContext(wx).WithTask(task.Result.V, string(task.State))

	type policy struct {
		list       models.SuccessorList
		onError    bool
		applicable bool
	}
	succeeded := task.State == models.StateSuccess
	policies := []policy{
		{tspec.OnComplete, false, true},
		{tspec.OnSuccess, false, succeeded},
		{tspec.OnError, true, !succeeded},
		{spec.OnTaskComplete, false, true},
		{spec.OnTaskSuccess, false, succeeded},
		{spec.OnTaskError, true, !succeeded},
	}

	for _, p := range policies {
		if !p.applicable {
			continue
		}
		for _, succ := range p.list {
			matched, err := expr.Match(succ.Condition, ectx)
			if err != nil {
				return false, e.failWorkflow(ctx, tx, wx,
					fmt.Sprintf("successor condition for %q: %v", succ.Task, err), eff)
			}
			if !matched {
				continue
			}
			if p.onError {
				handled = true
			}
			if err := e.scheduleTask(ctx, tx, wx, succ.Task, eff); err != nil {
				return false, err
			}
		}
	}
	return handled, nil
}

// checkCompletion finishes the workflow once no task can make further
// progress: all tasks stopped or terminal means SUCCESS with the evaluated
// output; IDLE leftovers whose gates can never fire are failed first.
func (e *Engine) checkCompletion(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, eff *effects) error {
	if wx.State != models.StateRunning {
		return nil
	}
	tasks, err := e.store.ListTaskExecutions(ctx, tx, wx.ID)
	if err != nil {
		return err
	}
	var idle []*models.TaskExecution
	for _, t := range tasks {
		switch t.State {
		case models.StateRunning, models.StateDelayed:
			return nil
		case models.StateIdle:
			idle = append(idle, t)
		}
	}
	if len(idle) > 0 {
		// Nothing is running, so these gates can never be satisfied.
		// Failing them re-enters the workflow machine and re-runs this
		// check.
		for _, t := range idle {
			if err := e.failTask(ctx, tx, wx, t, "task can no longer be scheduled", eff); err != nil {
				return err
			}
		}
		return nil
	}

	spec := wx.Spec.Spec
	var output models.JSONMap
	if len(spec.Output) > 0 {
		out, err := expr.EvaluateMap(spec.Output, e.evalContext(wx))
		if err != nil {
			return e.failWorkflow(ctx, tx, wx, err.Error(), eff)
		}
		output = out
	} else {
		output = wx.Context.Copy()
	}

	wx.Output = output
	wx.State = models.StateSuccess
	wx.StateInfo = ""
	if err := e.store.UpdateWorkflowExecution(ctx, tx, wx); err != nil {
		return err
	}
	e.logger.Info("Workflow execution succeeded", map[string]interface{}{
		"execution_id": wx.ID,
		"workflow":     wx.WorkflowName,
	})
	e.metrics.IncrementCounterWithLabels("engine_workflows_finished", 1, map[string]string{
		"state": string(models.StateSuccess),
	})
	if wx.ParentTaskID != nil {
		eff.parentNotifies = append(eff.parentNotifies, parentNotify{
			parentTaskID: *wx.ParentTaskID,
			success:      true,
			result:       map[string]interface{}(output),
		})
	}
	return nil
}

// failWorkflow moves the execution to ERROR and notifies a waiting parent
// task. No-op on an already terminal execution.
func (e *Engine) failWorkflow(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, reason string, eff *effects) error {
	if wx.IsTerminal() {
		return nil
	}
	wx.State = models.StateError
	wx.StateInfo = reason
	if err := e.store.UpdateWorkflowExecution(ctx, tx, wx); err != nil {
		return err
	}
	e.logger.Warn("Workflow execution failed", map[string]interface{}{
		"execution_id": wx.ID,
		"workflow":     wx.WorkflowName,
		"reason":       reason,
	})
	e.metrics.IncrementCounterWithLabels("engine_workflows_finished", 1, map[string]string{
		"state": string(models.StateError),
	})
	if wx.ParentTaskID != nil {
		eff.parentNotifies = append(eff.parentNotifies, parentNotify{
			parentTaskID: *wx.ParentTaskID,
			success:      false,
			errorInfo:    reason,
		})
	}
	return nil
}

// handleStop halts a running execution: RUNNING tasks move to STOPPED,
// sub-workflows are asked to stop, the execution itself becomes STOPPED.
// DELAYED tasks keep their timers; a timer firing on a stopped execution
// finds the task unchanged when the execution resumes.
func (e *Engine) handleStop(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, eff *effects) error {
	if wx.State != models.StateRunning {
		return nil
	}
	tasks, err := e.store.ListTaskExecutions(ctx, tx, wx.ID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Spec.Spec.IsSubWorkflow() && !task.State.StoppedOrFinished() {
			child, err := e.store.GetChildWorkflowExecution(ctx, tx, task.ID)
			if err == nil {
				eff.childStops = append(eff.childStops, child.ID)
			} else if !errors.Is(err, models.ErrNotFound) {
				return err
			}
		}
		if task.State == models.StateRunning {
			task.State = models.StateStopped
			task.StateInfo = "stop requested"
			if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
				return err
			}
		}
	}
	wx.State = models.StateStopped
	wx.StateInfo = "stop requested"
	if err := e.store.UpdateWorkflowExecution(ctx, tx, wx); err != nil {
		return err
	}
	e.logger.Info("Workflow execution stopped", map[string]interface{}{
		"execution_id": wx.ID,
		"workflow":     wx.WorkflowName,
	})
	return nil
}

// handleCancel fails the execution and every non-terminal task immediately,
// cancelling outstanding actions and child workflows best effort.
func (e *Engine) handleCancel(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, reason string, eff *effects) error {
	if wx.IsTerminal() {
		return nil
	}
	tasks, err := e.store.ListTaskExecutions(ctx, tx, wx.ID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.State.Finished() {
			continue
		}
		if err := e.cancelTaskWork(ctx, tx, task, eff); err != nil {
			return err
		}
		task.State = models.StateError
		task.StateInfo = reason
		if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
			return err
		}
	}
	return e.failWorkflow(ctx, tx, wx, reason, eff)
}

// Rerun resets a terminal task to IDLE and returns the execution to
// RUNNING. The target must be terminal and every transitively downstream
// task terminal or IDLE; downstream rows are discarded and the context
// names they published retracted.
func (e *Engine) Rerun(ctx context.Context, id uuid.UUID, taskName string) error {
	ctx, span := e.tracer(ctx, "Engine.Rerun")
	defer span.End()
	span.SetAttribute("workflow_execution_id", id.String())
	span.SetAttribute("task", taskName)

	var eff *effects
	err := store.RetryOnConflict(ctx, func() error {
		eff = &effects{}
		return e.rerunTx(ctx, id, taskName, eff)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	e.metrics.IncrementCounter("engine_reruns", 1)
	e.applyEffects(ctx, eff)
	return nil
}

func (e *Engine) rerunTx(ctx context.Context, id uuid.UUID, taskName string, eff *effects) (err error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	wx, err := e.store.GetWorkflowExecutionForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	task, err := e.store.GetTaskExecutionByName(ctx, tx, wx.ID, taskName)
	if err != nil {
		return err
	}
	if !task.IsTerminal() {
		return errors.Wrapf(models.ErrInvalidStateTransition,
			"rerun target %q is %s, not terminal", taskName, task.State)
	}

	spec := wx.Spec.Spec
	downstream := spec.DownstreamTasks(taskName)

	var discard []*models.TaskExecution
	for _, name := range downstream {
		dt, err := e.store.GetTaskExecutionByName(ctx, tx, wx.ID, name)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return err
		}
		if !dt.IsTerminal() && dt.State != models.StateIdle {
			return errors.Wrapf(models.ErrInvalidStateTransition,
				"downstream task %q is %s; rerun requires terminal or idle", name, dt.State)
		}
		discard = append(discard, dt)
	}

	if wx.Context == nil {
		wx.Context = models.JSONMap{}
	}
	for name := range task.Published {
		delete(wx.Context, name)
	}
	for _, dt := range discard {
		for name := range dt.Published {
			delete(wx.Context, name)
		}
		if err := e.store.DeleteTaskExecution(ctx, tx, dt.ID); err != nil {
			return err
		}
	}

	task.State = models.StateIdle
	task.StateInfo = ""
	task.Input = nil
	task.Published = nil
	task.Result = models.JSONValue{}
	task.Attempts = 0
	task.PendingItems = 0
	task.FailedItems = 0
	task.DeadlineAt = nil
	if err := e.store.ResetTaskExecution(ctx, tx, task); err != nil {
		return err
	}

	wx.State = models.StateRunning
	wx.StateInfo = ""
	wx.Output = nil
	if err := e.store.ResetWorkflowExecution(ctx, tx, wx); err != nil {
		return err
	}

	e.logger.Info("Rerunning task", map[string]interface{}{
		"execution_id": wx.ID,
		"task":         taskName,
	})

	if err := e.maybeStartTask(ctx, tx, wx, task, eff); err != nil {
		return err
	}
	return tx.Commit()
}
