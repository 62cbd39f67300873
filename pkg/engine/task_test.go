package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/actions"
	"github.com/cascadehq/cascade/pkg/engine"
	"github.com/cascadehq/cascade/pkg/models"
)

func TestRetry_SucceedsOnSecondAttempt(t *testing.T) {
	runner := actions.NewLocalRunner(nil)
	calls := 0
	runner.Register("test.flaky", func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient failure")
		}
		return "recovered", nil
	})
	eng, st := newTestEngine(t, runner)

	spec := mustParse(t, `
version: "1.0"
name: retrying
type: direct
start-task: flaky
tasks:
  flaky:
    action: test.flaky
    retry:
      count: 2
      delay: 1
    publish:
      value: $.task.result
`)

	id, err := eng.StartWorkflow(context.Background(), spec, nil, engine.StartOptions{})
	require.NoError(t, err)

	// First attempt failed; the task is parked until the retry timer fires.
	task := taskByName(t, eng, id, "flaky")
	assert.Equal(t, models.StateDelayed, task.State)
	assert.Contains(t, task.StateInfo, "retrying")
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, models.StateRunning, getExecution(t, eng, id).State)

	fired := fireTimers(t, st, eng, time.Now().Add(time.Minute))
	assert.Equal(t, 1, fired)

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateSuccess, wx.State)
	assert.Equal(t, "recovered", wx.Context["value"])

	task = taskByName(t, eng, id, "flaky")
	assert.Equal(t, 2, task.Attempts)

	// One action execution row per attempt.
	acts, err := st.ListActionExecutions(context.Background(), nil, task.ID)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, 1, acts[0].Attempt)
	assert.Equal(t, 2, acts[1].Attempt)
	assert.Equal(t, models.StateError, acts[0].State)
	assert.Equal(t, models.StateSuccess, acts[1].State)
}

func TestRetry_Exhausted(t *testing.T) {
	eng, st := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: doomed
type: direct
start-task: broken
tasks:
  broken:
    action: std.fail
    input:
      message: always broken
    retry:
      count: 1
      delay: 1
`)

	id, err := eng.StartWorkflow(context.Background(), spec, nil, engine.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StateDelayed, taskByName(t, eng, id, "broken").State)

	fireTimers(t, st, eng, time.Now().Add(time.Minute))

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateError, wx.State)
	task := taskByName(t, eng, id, "broken")
	assert.Equal(t, models.StateError, task.State)
	assert.Contains(t, task.StateInfo, "always broken")
	assert.Equal(t, 2, task.Attempts)
}

func TestRetry_BreakOnStopsRetrying(t *testing.T) {
	eng, st := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: fatal
type: direct
start-task: broken
tasks:
  broken:
    action: std.fail
    input:
      message: fatal error
    retry:
      count: 5
      delay: 1
      break-on: <% .task.state == "ERROR" %>
`)

	id, err := eng.StartWorkflow(context.Background(), spec, nil, engine.StartOptions{})
	require.NoError(t, err)

	// break-on matched: no retry timer, the task failed outright.
	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateError, wx.State)
	assert.Equal(t, 1, taskByName(t, eng, id, "broken").Attempts)

	calls, err := st.FindReadyDelayed(context.Background(), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestWithItems_CollectsResultsInOrder(t *testing.T) {
	eng, _ := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: fanout
type: direct
start-task: double
output:
  doubled: $.doubled
tasks:
  double:
    action: std.echo
    with-items: $.items
    input:
      output: <% .item * 2 %>
    publish:
      doubled: $.task.result
`)

	id, err := eng.StartWorkflow(context.Background(), spec,
		map[string]interface{}{"items": []interface{}{1, 2, 3}}, engine.StartOptions{})
	require.NoError(t, err)

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateSuccess, wx.State)
	assert.Equal(t, []interface{}{float64(2), float64(4), float64(6)}, wx.Output["doubled"])
}

func TestWithItems_OneFailureFailsTask(t *testing.T) {
	runner := actions.NewLocalRunner(nil)
	runner.Register("test.pick", func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		if v, ok := input["n"].(float64); ok && v == 2 {
			return nil, errors.New("bad item")
		}
		return input["n"], nil
	})
	eng, _ := newTestEngine(t, runner)

	spec := mustParse(t, `
version: "1.0"
name: fanout-fail
type: direct
start-task: pick
tasks:
  pick:
    action: test.pick
    with-items: $.items
    input:
      n: $.item
`)

	id, err := eng.StartWorkflow(context.Background(), spec,
		map[string]interface{}{"items": []interface{}{1, 2, 3}}, engine.StartOptions{})
	require.NoError(t, err)

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateError, wx.State)
	task := taskByName(t, eng, id, "pick")
	assert.Equal(t, models.StateError, task.State)
	assert.Contains(t, task.StateInfo, "item 1")
	assert.Contains(t, task.StateInfo, "bad item")
}

func TestWithItems_EmptyListSucceedsImmediately(t *testing.T) {
	eng, _ := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: fanout-empty
type: direct
start-task: none
tasks:
  none:
    action: std.echo
    with-items: $.items
    publish:
      results: $.task.result
`)

	id, err := eng.StartWorkflow(context.Background(), spec,
		map[string]interface{}{"items": []interface{}{}}, engine.StartOptions{})
	require.NoError(t, err)

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateSuccess, wx.State)
	assert.Equal(t, []interface{}{}, wx.Context["results"])
}

func TestWithItems_NonListFailsTask(t *testing.T) {
	eng, _ := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: fanout-bad
type: direct
start-task: loop
tasks:
  loop:
    action: std.noop
    with-items: $.items
`)

	id, err := eng.StartWorkflow(context.Background(), spec,
		map[string]interface{}{"items": "not-a-list"}, engine.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StateError, getExecution(t, eng, id).State)
}

func TestJoinAll_WaitsForEveryInbound(t *testing.T) {
	eng, _ := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: diamond
type: direct
start-task: fork
tasks:
  fork:
    action: std.noop
    on-success: [left, right]
  left:
    action: std.echo
    input:
      output: L
    publish:
      left: $.task.result
    on-success: [merge]
  right:
    action: std.echo
    input:
      output: R
    publish:
      right: $.task.result
    on-success: [merge]
  merge:
    action: std.echo
    join: all
    input:
      output: <% .left + .right %>
    publish:
      merged: $.task.result
`)

	id, err := eng.StartWorkflow(context.Background(), spec, nil, engine.StartOptions{})
	require.NoError(t, err)

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateSuccess, wx.State)
	assert.Equal(t, "LR", wx.Context["merged"])
	// The barrier ran exactly once.
	assert.Equal(t, 1, taskByName(t, eng, id, "merge").Attempts)
}

func TestJoinAll_FailedBranchFailsBarrier(t *testing.T) {
	eng, _ := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: broken-diamond
type: direct
start-task: fork
tasks:
  fork:
    action: std.noop
    on-success: [ok, bad]
  ok:
    action: std.noop
    on-success: [merge]
  bad:
    action: std.fail
    on-success: [merge]
  merge:
    action: std.noop
    join: all
`)

	id, err := eng.StartWorkflow(context.Background(), spec, nil, engine.StartOptions{})
	require.NoError(t, err)

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateError, wx.State)

	merge := taskByName(t, eng, id, "merge")
	assert.Equal(t, models.StateError, merge.State)
	assert.Contains(t, merge.StateInfo, "join can no longer be satisfied")
	assert.Equal(t, 0, merge.Attempts)
}

func TestJoinCount_FiresAtThreshold(t *testing.T) {
	eng, _ := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: quorum
type: direct
start-task: fork
tasks:
  fork:
    action: std.noop
    on-success: [a, b]
  a:
    action: std.noop
    on-success: [quorum]
  b:
    action: std.fail
    on-success: [quorum]
  quorum:
    action: std.echo
    join: 1
    input:
      output: reached
    publish:
      quorum: $.task.result
`)

	id, err := eng.StartWorkflow(context.Background(), spec, nil, engine.StartOptions{})
	require.NoError(t, err)

	// One branch failing cannot block a join of one; the barrier still
	// fired, but the unhandled branch failure fails the workflow.
	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateError, wx.State)
	assert.Equal(t, "reached", wx.Context["quorum"])
	assert.Equal(t, models.StateSuccess, taskByName(t, eng, id, "quorum").State)
}

func TestWaitBeforeAndAfter(t *testing.T) {
	eng, st := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: paced
type: direct
start-task: slow
tasks:
  slow:
    action: std.echo
    wait-before: 1
    wait-after: 1
    input:
      output: done
    publish:
      result: $.task.result
`)

	id, err := eng.StartWorkflow(context.Background(), spec, nil, engine.StartOptions{})
	require.NoError(t, err)

	// Parked before the action ran.
	task := taskByName(t, eng, id, "slow")
	assert.Equal(t, models.StateDelayed, task.State)
	assert.Equal(t, 0, task.Attempts)

	require.Equal(t, 1, fireTimers(t, st, eng, time.Now().Add(time.Minute)))

	// Action done, now parked again before completion.
	task = taskByName(t, eng, id, "slow")
	assert.Equal(t, models.StateDelayed, task.State)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, models.StateRunning, getExecution(t, eng, id).State)

	require.Equal(t, 1, fireTimers(t, st, eng, time.Now().Add(time.Minute)))

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateSuccess, wx.State)
	assert.Equal(t, "done", wx.Context["result"])
}

func TestTaskTimeout_FailsTaskAndCancelsAction(t *testing.T) {
	runner := newHangRunner()
	eng, st := newTestEngine(t, runner)

	spec := mustParse(t, `
version: "1.0"
name: deadline
type: direct
start-task: stuck
tasks:
  stuck:
    action: test.hang
    timeout: 5
`)

	id, err := eng.StartWorkflow(context.Background(), spec, nil, engine.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, getExecution(t, eng, id).State)

	require.Equal(t, 1, fireTimers(t, st, eng, time.Now().Add(time.Minute)))

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateError, wx.State)
	task := taskByName(t, eng, id, "stuck")
	assert.Equal(t, models.StateError, task.State)
	assert.Contains(t, task.StateInfo, "timed out")

	// The outstanding action was cancelled best-effort.
	require.Len(t, runner.cancelled(), 1)
	assert.Equal(t, runner.lastHung(t), runner.cancelled()[0])
}

func TestTaskTimeout_StaleTimerIsIgnored(t *testing.T) {
	eng, st := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: quick
type: direct
start-task: fast
tasks:
  fast:
    action: std.noop
    timeout: 60
`)

	id, err := eng.StartWorkflow(context.Background(), spec, nil, engine.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StateSuccess, getExecution(t, eng, id).State)

	// Completion already consumed the timeout timer.
	assert.Equal(t, 0, fireTimers(t, st, eng, time.Now().Add(time.Hour)))
}
