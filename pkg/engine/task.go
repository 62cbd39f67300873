package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cascadehq/cascade/pkg/expr"
	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/store"
)

// stateInfoAwaitingChild marks a task parked on a sub-workflow; the parent
// notification handler uses it to tell the wait apart from other DELAYED
// legs.
const stateInfoAwaitingChild = "awaiting sub-workflow"

// evalContext builds the expression context of an execution: workflow input
// overlaid with the accumulated published context.
func (e *Engine) evalContext(wx *models.WorkflowExecution) *expr.Context {
	c := expr.FromMap(wx.Input)
	c.MergeMap(wx.Context)
	return c
}

// createTaskRow inserts an IDLE task row if one does not exist yet.
func (e *Engine) createTaskRow(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, name string) error {
	_, err := e.store.GetTaskExecutionByName(ctx, tx, wx.ID, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return err
	}
	tspec, ok := wx.Spec.Spec.Tasks[name]
	if !ok {
		return errors.Wrapf(models.ErrInvalidModel, "undefined task %q", name)
	}
	task := &models.TaskExecution{
		ID:                  uuid.New(),
		WorkflowExecutionID: wx.ID,
		Name:                name,
		Spec:                models.TaskDocument{Spec: tspec},
		State:               models.StateIdle,
	}
	return e.store.CreateTaskExecution(ctx, tx, task)
}

// scheduleTask makes name a scheduled task of the execution and starts it
// if its gating conditions allow.
func (e *Engine) scheduleTask(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, name string, eff *effects) error {
	if err := e.createTaskRow(ctx, tx, wx, name); err != nil {
		return err
	}
	task, err := e.store.GetTaskExecutionByName(ctx, tx, wx.ID, name)
	if err != nil {
		return err
	}
	return e.maybeStartTask(ctx, tx, wx, task, eff)
}

// maybeStartTask starts an IDLE task if its join or dependency gate is
// satisfied, applying the wait-before leg first. A gate that can no longer
// be satisfied fails the task. Non-IDLE tasks are left alone, which makes
// re-evaluation after any inbound completion safe. A terminal workflow
// starts nothing: a failure earlier in the same sweep must not let a newly
// satisfied gate launch work whose result would only be dropped.
func (e *Engine) maybeStartTask(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, task *models.TaskExecution, eff *effects) error {
	if wx.IsTerminal() || task.State != models.StateIdle {
		return nil
	}
	spec := wx.Spec.Spec
	tspec := task.Spec.Spec

	if spec.Type == models.WorkflowTypeReverse {
		ready, failedDep, err := e.dependencyStatus(ctx, tx, wx, tspec.Requires)
		if err != nil {
			return err
		}
		if failedDep != "" {
			return e.failTask(ctx, tx, wx, task, fmt.Sprintf("dependency %q failed", failedDep), eff)
		}
		if !ready {
			return nil
		}
	} else if tspec.Join != nil {
		inbound := spec.InboundTasks(task.Name)
		threshold := tspec.Join.Count
		if tspec.Join.All {
			threshold = len(inbound)
		}
		succeeded, failed, err := e.joinCounts(ctx, tx, wx, inbound)
		if err != nil {
			return err
		}
		if succeeded < threshold {
			if len(inbound)-failed < threshold {
				return e.failTask(ctx, tx, wx, task, "join can no longer be satisfied", eff)
			}
			return nil
		}
	}

	if tspec.WaitBefore > 0 {
		// The transition table has no IDLE -> DELAYED edge; the wait leg
		// passes through RUNNING.
		task.State = models.StateRunning
		if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
			return err
		}
		task.State = models.StateDelayed
		task.StateInfo = fmt.Sprintf("waiting %ds before start", tspec.WaitBefore)
		if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
			return err
		}
		call := &models.DelayedCall{
			WorkflowExecutionID: wx.ID,
			TaskExecutionID:     &task.ID,
			Kind:                models.DelayWaitBefore,
			DeadlineAt:          time.Now().UTC().Add(time.Duration(tspec.WaitBefore) * time.Second),
		}
		return e.store.CreateDelayedCall(ctx, tx, call)
	}

	return e.startTaskRun(ctx, tx, wx, task, eff)
}

// dependencyStatus inspects a reverse task's requires list. failedDep names
// a dependency that can no longer succeed; ready means every dependency is
// SUCCESS.
func (e *Engine) dependencyStatus(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, requires []string) (ready bool, failedDep string, err error) {
	for _, name := range requires {
		dep, err := e.store.GetTaskExecutionByName(ctx, tx, wx.ID, name)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return false, "", nil
			}
			return false, "", err
		}
		switch dep.State {
		case models.StateSuccess:
		case models.StateError, models.StateStopped:
			return false, name, nil
		default:
			return false, "", nil
		}
	}
	return true, "", nil
}

// joinCounts tallies inbound tasks of a join: rows in SUCCESS and rows that
// can no longer succeed. Inbound tasks without a row are counted as still
// possible.
func (e *Engine) joinCounts(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, inbound []string) (succeeded, failed int, err error) {
	for _, name := range inbound {
		t, err := e.store.GetTaskExecutionByName(ctx, tx, wx.ID, name)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return 0, 0, err
		}
		switch t.State {
		case models.StateSuccess:
			succeeded++
		case models.StateError, models.StateStopped:
			failed++
		}
	}
	return succeeded, failed, nil
}

// startTaskRun transitions the task to RUNNING, evaluates its input and
// launches its work: an action, one action per with-items element, or a
// child workflow execution. Retry timers re-enter here for a fresh attempt.
func (e *Engine) startTaskRun(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, task *models.TaskExecution, eff *effects) error {
	tspec := task.Spec.Spec
	base := e.evalContext(wx)

	if task.State != models.StateRunning {
		task.State = models.StateRunning
		task.StateInfo = ""
		if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
			return err
		}
	}

	if tspec.Timeout > 0 {
		deadline := time.Now().UTC().Add(time.Duration(tspec.Timeout) * time.Second)
		task.DeadlineAt = &deadline
		call := &models.DelayedCall{
			WorkflowExecutionID: wx.ID,
			TaskExecutionID:     &task.ID,
			Kind:                models.DelayTimeout,
			DeadlineAt:          deadline,
		}
		if err := e.store.CreateDelayedCall(ctx, tx, call); err != nil {
			return err
		}
	}

	if tspec.IsSubWorkflow() {
		return e.startChildWorkflow(ctx, tx, wx, task, eff)
	}
	if tspec.WithItems != "" {
		return e.startItemActions(ctx, tx, wx, task, base, eff)
	}

	input, err := expr.EvaluateMap(tspec.Input, base)
	if err != nil {
		return e.failTask(ctx, tx, wx, task, err.Error(), eff)
	}
	task.Input = input
	task.Attempts++
	action := &models.ActionExecution{
		ID:              uuid.New(),
		TaskExecutionID: task.ID,
		Name:            tspec.Action,
		Input:           input,
		Attempt:         task.Attempts,
		ItemIndex:       -1,
		State:           models.StateRunning,
	}
	if err := e.store.CreateActionExecution(ctx, tx, action); err != nil {
		return err
	}
	if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
		return err
	}
	eff.runs = append(eff.runs, actionRun{actionExecID: action.ID, actionRef: tspec.Action, input: input})
	return nil
}

// startItemActions fans a with-items task out into one action execution per
// element; the task input records the evaluated item list.
func (e *Engine) startItemActions(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, task *models.TaskExecution, base *expr.Context, eff *effects) error {
	tspec := task.Spec.Spec

	itemsRaw, err := expr.Evaluate(tspec.WithItems, base)
	if err != nil {
		return e.failTask(ctx, tx, wx, task, err.Error(), eff)
	}
	items, ok := itemsRaw.([]interface{})
	if !ok {
		return e.failTask(ctx, tx, wx, task, fmt.Sprintf("with-items must evaluate to a list, got %T", itemsRaw), eff)
	}

	task.Attempts++
	task.PendingItems = len(items)
	task.FailedItems = 0
	task.Input = models.JSONMap{"items": items}
	if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
		return err
	}
	if len(items) == 0 {
		return e.completeTask(ctx, tx, wx, task, []interface{}{}, eff)
	}

	for i, item := range items {
		ictx := base.WithItem(item, i)
		input, err := expr.EvaluateMap(tspec.Input, ictx)
		if err != nil {
			return e.failTask(ctx, tx, wx, task, err.Error(), eff)
		}
		action := &models.ActionExecution{
			ID:              uuid.New(),
			TaskExecutionID: task.ID,
			Name:            tspec.Action,
			Input:           input,
			Attempt:         task.Attempts,
			ItemIndex:       i,
			State:           models.StateRunning,
		}
		if err := e.store.CreateActionExecution(ctx, tx, action); err != nil {
			return err
		}
		eff.runs = append(eff.runs, actionRun{actionExecID: action.ID, actionRef: tspec.Action, input: input})
	}
	return nil
}

// startChildWorkflow creates the child execution and parks the parent task
// DELAYED until the child's terminal handler posts its result back.
func (e *Engine) startChildWorkflow(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, task *models.TaskExecution, eff *effects) error {
	tspec := task.Spec.Spec

	input, err := expr.EvaluateMap(tspec.Input, e.evalContext(wx))
	if err != nil {
		return e.failTask(ctx, tx, wx, task, err.Error(), eff)
	}
	task.Input = input
	task.Attempts++

	childSpec, err := e.defs.Resolve(ctx, tspec.Workflow, wx.WorkflowNamespace, wx.ProjectID)
	if err != nil {
		return e.failTask(ctx, tx, wx, task, fmt.Sprintf("resolve workflow %q: %v", tspec.Workflow, err), eff)
	}
	resolvedInput, err := resolveParameters(childSpec, input)
	if err != nil {
		return e.failTask(ctx, tx, wx, task, err.Error(), eff)
	}

	child := &models.WorkflowExecution{
		ID:                uuid.New(),
		WorkflowName:      childSpec.Name,
		WorkflowNamespace: wx.WorkflowNamespace,
		ProjectID:         wx.ProjectID,
		Spec:              models.SpecDocument{Spec: childSpec},
		State:             models.StateIdle,
		Input:             resolvedInput,
		Context:           models.JSONMap{},
		ParentTaskID:      &task.ID,
	}
	if err := e.store.CreateWorkflowExecution(ctx, tx, child); err != nil {
		return err
	}

	task.State = models.StateDelayed
	task.StateInfo = stateInfoAwaitingChild
	if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
		return err
	}
	eff.childStarts = append(eff.childStarts, child.ID)
	return nil
}

// handleActionDone applies an action result (or a sub-workflow completion
// when the event carries no action id) to the owning task. Stale results
// for already-resolved work are persisted on the action row but do not
// change task state.
func (e *Engine) handleActionDone(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, ev Event, eff *effects) error {
	if ev.TaskExecutionID == nil {
		return errors.New("action_done event missing task execution id")
	}
	task, err := e.store.GetTaskExecutionForUpdate(ctx, tx, *ev.TaskExecutionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Task row discarded by a rerun; nothing to apply.
			return nil
		}
		return err
	}

	success := ev.Success
	result := cloneValue(ev.Result)
	errorInfo := ev.ErrorInfo

	if ev.ActionExecutionID != nil {
		action, err := e.store.GetActionExecutionForUpdate(ctx, tx, *ev.ActionExecutionID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil
			}
			return err
		}
		if action.State.Finished() {
			// Replayed delivery; the first commit already applied it.
			return nil
		}
		if success {
			action.State = models.StateSuccess
			action.Output = models.JSONValue{V: result}
		} else {
			action.State = models.StateError
			action.ErrorInfo = errorInfo
		}
		if err := e.store.UpdateActionExecution(ctx, tx, action); err != nil {
			return err
		}
		if action.Attempt != task.Attempts {
			// Result of a superseded attempt; persisted above, ignored.
			return nil
		}
	} else if task.State != models.StateDelayed || task.StateInfo != stateInfoAwaitingChild {
		// Sub-workflow notification for a task no longer waiting on one.
		return nil
	}

	if task.State.StoppedOrFinished() || wx.IsTerminal() {
		return nil
	}

	tspec := task.Spec.Spec
	if tspec.WithItems != "" && ev.ActionExecutionID != nil {
		if task.PendingItems > 0 {
			task.PendingItems--
		}
		if !success {
			task.FailedItems++
		}
		if task.PendingItems > 0 {
			return e.store.UpdateTaskExecution(ctx, tx, task)
		}
		success = task.FailedItems == 0
		result, errorInfo, err = e.collectItemResults(ctx, tx, task)
		if err != nil {
			return err
		}
	}

	if success {
		return e.completeTask(ctx, tx, wx, task, result, eff)
	}
	return e.failTaskAttempt(ctx, tx, wx, task, errorInfo, eff)
}

// collectItemResults assembles the aggregate result of a with-items round:
// the per-item outputs in item order, and the joined failure reasons.
func (e *Engine) collectItemResults(ctx context.Context, tx store.Tx, task *models.TaskExecution) (interface{}, string, error) {
	all, err := e.store.ListActionExecutions(ctx, tx, task.ID)
	if err != nil {
		return nil, "", err
	}
	var results []interface{}
	var failures []string
	for _, action := range all {
		if action.Attempt != task.Attempts {
			continue
		}
		results = append(results, action.Output.V)
		if action.State == models.StateError {
			failures = append(failures, fmt.Sprintf("item %d: %s", action.ItemIndex, action.ErrorInfo))
		}
	}
	return results, strings.Join(failures, "; "), nil
}

// completeTask publishes the task's result into the workflow context and
// finishes it, taking the wait-after leg first when declared.
func (e *Engine) completeTask(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, task *models.TaskExecution, result interface{}, eff *effects) error {
	tspec := task.Spec.Spec

	if task.State == models.StateDelayed {
		task.State = models.StateRunning
		task.StateInfo = ""
		if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
			return err
		}
	}
	task.Result = models.JSONValue{V: result}

	if len(tspec.Publish) > 0 {
		ectx := e.evalContext(wx).WithTask(result, string(models.StateSuccess))
		published, err := expr.EvaluateMap(tspec.Publish, ectx)
		if err != nil {
			return e.failTask(ctx, tx, wx, task, err.Error(), eff)
		}
		if wx.Context == nil {
			wx.Context = models.JSONMap{}
		}
		for k, v := range published {
			wx.Context[k] = v
		}
		task.Published = published
		if err := e.store.UpdateWorkflowExecution(ctx, tx, wx); err != nil {
			return err
		}
	}

	if err := e.store.DeleteDelayedCallsForTask(ctx, tx, task.ID, models.DelayTimeout); err != nil {
		return err
	}

	if tspec.WaitAfter > 0 {
		task.State = models.StateDelayed
		task.StateInfo = fmt.Sprintf("waiting %ds before completion", tspec.WaitAfter)
		if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
			return err
		}
		call := &models.DelayedCall{
			WorkflowExecutionID: wx.ID,
			TaskExecutionID:     &task.ID,
			Kind:                models.DelayWaitAfter,
			DeadlineAt:          time.Now().UTC().Add(time.Duration(tspec.WaitAfter) * time.Second),
		}
		return e.store.CreateDelayedCall(ctx, tx, call)
	}

	return e.finishTask(ctx, tx, wx, task, eff)
}

// finishTask moves the task to SUCCESS and runs the workflow machine.
func (e *Engine) finishTask(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, task *models.TaskExecution, eff *effects) error {
	if task.State == models.StateDelayed {
		task.State = models.StateRunning
		if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
			return err
		}
	}
	task.State = models.StateSuccess
	task.StateInfo = ""
	if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
		return err
	}
	return e.onTaskTerminal(ctx, tx, wx, task, eff)
}

// failTaskAttempt applies the retry policy to a failed attempt; when no
// retry remains (or the conditions forbid one) the task fails for good.
func (e *Engine) failTaskAttempt(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, task *models.TaskExecution, reason string, eff *effects) error {
	tspec := task.Spec.Spec
	rp := tspec.Retry

	if rp != nil && task.Attempts <= rp.Count {
		retry := true
		ectx := e.evalContext(wx).WithTask(nil, string(models.StateError))
		if rp.BreakOn != "" {
			matched, err := expr.Match(rp.BreakOn, ectx)
			if err != nil {
				return e.failTask(ctx, tx, wx, task, err.Error(), eff)
			}
			if matched {
				retry = false
			}
		}
		if retry && rp.ContinueOn != "" {
			matched, err := expr.Match(rp.ContinueOn, ectx)
			if err != nil {
				return e.failTask(ctx, tx, wx, task, err.Error(), eff)
			}
			if !matched {
				retry = false
			}
		}
		if retry {
			if err := e.store.DeleteDelayedCallsForTask(ctx, tx, task.ID, models.DelayTimeout); err != nil {
				return err
			}
			task.State = models.StateDelayed
			task.StateInfo = fmt.Sprintf("retrying (attempt %d of %d): %s", task.Attempts, rp.Count+1, reason)
			if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
				return err
			}
			call := &models.DelayedCall{
				WorkflowExecutionID: wx.ID,
				TaskExecutionID:     &task.ID,
				Kind:                models.DelayRetry,
				DeadlineAt:          time.Now().UTC().Add(time.Duration(rp.Delay) * time.Second),
			}
			return e.store.CreateDelayedCall(ctx, tx, call)
		}
	}

	return e.failTask(ctx, tx, wx, task, reason, eff)
}

// failTask moves the task to ERROR, cancelling its outstanding work, and
// runs the workflow machine.
func (e *Engine) failTask(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, task *models.TaskExecution, reason string, eff *effects) error {
	if err := e.cancelTaskWork(ctx, tx, task, eff); err != nil {
		return err
	}
	task.State = models.StateError
	task.StateInfo = reason
	if err := e.store.UpdateTaskExecution(ctx, tx, task); err != nil {
		return err
	}
	return e.onTaskTerminal(ctx, tx, wx, task, eff)
}

// cancelTaskWork drops the task's timers and queues best-effort cancels for
// its outstanding actions and child workflow.
func (e *Engine) cancelTaskWork(ctx context.Context, tx store.Tx, task *models.TaskExecution, eff *effects) error {
	all, err := e.store.ListActionExecutions(ctx, tx, task.ID)
	if err != nil {
		return err
	}
	for _, action := range all {
		if !action.State.Finished() {
			eff.cancels = append(eff.cancels, action.ID)
		}
	}
	if task.Spec.Spec != nil && task.Spec.Spec.IsSubWorkflow() {
		child, err := e.store.GetChildWorkflowExecution(ctx, tx, task.ID)
		if err == nil {
			if !child.IsTerminal() {
				eff.childCancels = append(eff.childCancels, child.ID)
			}
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}
	}
	return e.store.DeleteDelayedCallsForTask(ctx, tx, task.ID)
}

// handleTimerFired consumes a delayed call and routes it by kind. A call
// already consumed by a concurrent handler means the event is stale.
func (e *Engine) handleTimerFired(ctx context.Context, tx store.Tx, wx *models.WorkflowExecution, ev Event, eff *effects) error {
	if ev.DelayedCallID == nil {
		return errors.New("timer_fired event missing delayed call id")
	}
	if wx.State == models.StateStopped {
		// Leave the call queued; it fires again after resume.
		return nil
	}
	consumed, err := e.store.DeleteDelayedCall(ctx, tx, *ev.DelayedCallID)
	if err != nil {
		return err
	}
	if !consumed {
		return nil
	}

	if ev.TaskExecutionID == nil {
		if wx.IsTerminal() {
			return nil
		}
		return e.handleCancel(ctx, tx, wx, fmt.Sprintf("workflow timed out after %ds", wx.Spec.Spec.Timeout), eff)
	}

	task, err := e.store.GetTaskExecutionForUpdate(ctx, tx, *ev.TaskExecutionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.State.StoppedOrFinished() || wx.IsTerminal() {
		return nil
	}

	switch ev.TimerKind {
	case models.DelayWaitBefore, models.DelayRetry:
		if task.State != models.StateDelayed {
			return nil
		}
		return e.startTaskRun(ctx, tx, wx, task, eff)
	case models.DelayWaitAfter:
		if task.State != models.StateDelayed {
			return nil
		}
		return e.finishTask(ctx, tx, wx, task, eff)
	case models.DelayTimeout:
		return e.failTask(ctx, tx, wx, task, fmt.Sprintf("task timed out after %ds", task.Spec.Spec.Timeout), eff)
	default:
		return errors.Errorf("unknown timer kind %q", ev.TimerKind)
	}
}
