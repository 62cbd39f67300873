package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/actions"
	"github.com/cascadehq/cascade/pkg/engine"
	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/parser"
	"github.com/cascadehq/cascade/pkg/store"
)

// hangRunner answers test.hang actions with an incomplete receipt so tests
// can exercise asynchronous delivery, stop, cancel and timeout paths.
// Everything else is delegated to the local runner.
type hangRunner struct {
	local *actions.LocalRunner

	mu      sync.Mutex
	hung    []uuid.UUID
	cancels []uuid.UUID
}

func newHangRunner() *hangRunner {
	return &hangRunner{local: actions.NewLocalRunner(nil)}
}

func (r *hangRunner) Run(ctx context.Context, actionExecID uuid.UUID, actionRef string, input map[string]interface{}) (*actions.Receipt, error) {
	if actionRef == "test.hang" {
		r.mu.Lock()
		r.hung = append(r.hung, actionExecID)
		r.mu.Unlock()
		return &actions.Receipt{}, nil
	}
	return r.local.Run(ctx, actionExecID, actionRef, input)
}

func (r *hangRunner) Cancel(ctx context.Context, actionExecID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, actionExecID)
	return nil
}

func (r *hangRunner) cancelled() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID{}, r.cancels...)
}

func (r *hangRunner) lastHung(t *testing.T) uuid.UUID {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.hung)
	return r.hung[len(r.hung)-1]
}

func newTestEngine(t *testing.T, runner actions.Runner) (*engine.Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })
	eng := engine.New(st, runner, engine.NewStoreResolver(st, nil, nil), nil, nil, nil)
	return eng, st
}

func mustParse(t *testing.T, doc string) *models.WorkflowSpec {
	t.Helper()
	spec, err := parser.Parse([]byte(doc))
	require.NoError(t, err)
	return spec
}

func getExecution(t *testing.T, eng *engine.Engine, id uuid.UUID) *models.WorkflowExecution {
	t.Helper()
	wx, err := eng.GetWorkflowExecution(context.Background(), id)
	require.NoError(t, err)
	return wx
}

func taskByName(t *testing.T, eng *engine.Engine, wxID uuid.UUID, name string) *models.TaskExecution {
	t.Helper()
	tasks, err := eng.ListTaskExecutions(context.Background(), wxID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Name == name {
			return task
		}
	}
	t.Fatalf("task %q not found among %d tasks", name, len(tasks))
	return nil
}

// fireTimers drives every delayed call due before horizon through the
// engine, standing in for the delay worker.
func fireTimers(t *testing.T, st *store.MemoryStore, eng *engine.Engine, horizon time.Time) int {
	t.Helper()
	calls, err := st.FindReadyDelayed(context.Background(), horizon, 0)
	require.NoError(t, err)
	for _, call := range calls {
		require.NoError(t, eng.OnTimer(context.Background(), call))
	}
	return len(calls)
}

func TestStartWorkflow_LinearPublishAndOutput(t *testing.T) {
	eng, _ := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: greet
type: direct
start-task: say
output:
  greeting: $.loud
tasks:
  say:
    action: std.echo
    input:
      output: <% "hello " + .name %>
    publish:
      message: $.task.result
    on-success:
      - shout
  shout:
    action: std.echo
    input:
      output: <% .message + "!" %>
    publish:
      loud: $.task.result
`)

	id, err := eng.StartWorkflow(context.Background(), spec, map[string]interface{}{"name": "world"}, engine.StartOptions{})
	require.NoError(t, err)

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateSuccess, wx.State)
	assert.Equal(t, "hello world", wx.Context["message"])
	assert.Equal(t, "hello world!", wx.Context["loud"])
	assert.Equal(t, "hello world!", wx.Output["greeting"])

	say := taskByName(t, eng, id, "say")
	assert.Equal(t, models.StateSuccess, say.State)
	assert.Equal(t, 1, say.Attempts)
	assert.Equal(t, "hello world", say.Result.V)
	assert.Equal(t, models.JSONMap{"message": "hello world"}, say.Published)
}

func TestStartWorkflow_ParameterDefaultsAndRequired(t *testing.T) {
	eng, _ := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: params
type: direct
start-task: emit
parameters:
  - name: flavor
    default: small
  - name: image
    required: true
tasks:
  emit:
    action: std.echo
    input:
      output: $.flavor
    publish:
      flavor: $.task.result
`)

	_, err := eng.StartWorkflow(context.Background(), spec, nil, engine.StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidModel))

	id, err := eng.StartWorkflow(context.Background(), spec, map[string]interface{}{"image": "ubuntu"}, engine.StartOptions{})
	require.NoError(t, err)
	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateSuccess, wx.State)
	assert.Equal(t, "small", wx.Context["flavor"])
	assert.Equal(t, "ubuntu", wx.Input["image"])
}

func TestStartWorkflowByName_NamespaceIsolation(t *testing.T) {
	eng, st := newTestEngine(t, actions.NewLocalRunner(nil))
	ctx := context.Background()

	doc := func(msg string) string {
		return `
version: "1.0"
name: hello
type: direct
start-task: emit
output:
  msg: $.msg
tasks:
  emit:
    action: std.echo
    input:
      output: "` + msg + `"
    publish:
      msg: $.task.result
`
	}
	require.NoError(t, st.CreateWorkflowDefinition(ctx, &models.WorkflowDefinition{
		Name: "hello", Namespace: "team-a", Definition: doc("from-a"),
	}))
	require.NoError(t, st.CreateWorkflowDefinition(ctx, &models.WorkflowDefinition{
		Name: "hello", Namespace: "team-b", Definition: doc("from-b"),
	}))

	idA, err := eng.StartWorkflowByName(ctx, "hello", nil, engine.StartOptions{Namespace: "team-a"})
	require.NoError(t, err)
	idB, err := eng.StartWorkflowByName(ctx, "hello", nil, engine.StartOptions{Namespace: "team-b"})
	require.NoError(t, err)

	assert.Equal(t, "from-a", getExecution(t, eng, idA).Output["msg"])
	assert.Equal(t, "from-b", getExecution(t, eng, idB).Output["msg"])

	_, err = eng.StartWorkflowByName(ctx, "hello", nil, engine.StartOptions{Namespace: "team-c"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestDeliver_AsyncResultAndReplay(t *testing.T) {
	runner := newHangRunner()
	eng, _ := newTestEngine(t, runner)
	ctx := context.Background()

	spec := mustParse(t, `
version: "1.0"
name: async
type: direct
start-task: wait
output:
  answer: $.answer
tasks:
  wait:
    action: test.hang
    publish:
      answer: $.task.result
`)

	id, err := eng.StartWorkflow(ctx, spec, nil, engine.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, getExecution(t, eng, id).State)

	actionID := runner.lastHung(t)
	require.NoError(t, eng.Deliver(ctx, actionID, true, float64(42), ""))

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateSuccess, wx.State)
	assert.EqualValues(t, 42, wx.Output["answer"])

	// A duplicate delivery for the same action is a replay no-op even if it
	// contradicts the recorded result.
	require.NoError(t, eng.Deliver(ctx, actionID, false, nil, "late failure"))
	wx = getExecution(t, eng, id)
	assert.Equal(t, models.StateSuccess, wx.State)
	assert.EqualValues(t, 42, wx.Output["answer"])
}

func TestDeliver_UnknownAction(t *testing.T) {
	eng, _ := newTestEngine(t, actions.NewLocalRunner(nil))
	err := eng.Deliver(context.Background(), uuid.New(), true, nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestReverseWorkflow_DependencyClosure(t *testing.T) {
	eng, _ := newTestEngine(t, actions.NewLocalRunner(nil))
	ctx := context.Background()

	spec := mustParse(t, `
version: "1.0"
name: build
type: reverse
output:
  artifact: $.packaged
tasks:
  fetch:
    action: std.echo
    input:
      output: sources
    publish:
      sources: $.task.result
  compile:
    action: std.echo
    input:
      output: <% .sources + "+obj" %>
    publish:
      objects: $.task.result
    requires: [fetch]
  lint:
    action: std.echo
    input:
      output: lint-report
    requires: [fetch]
  package:
    action: std.echo
    input:
      output: <% .objects + "+tar" %>
    publish:
      packaged: $.task.result
    requires: [compile]
`)

	id, err := eng.StartWorkflow(ctx, spec, nil, engine.StartOptions{TargetTasks: []string{"package"}})
	require.NoError(t, err)

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateSuccess, wx.State)
	assert.Equal(t, "sources+obj+tar", wx.Output["artifact"])

	// Only the dependency closure of the target was scheduled.
	tasks, err := eng.ListTaskExecutions(ctx, id)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, task := range tasks {
		names[task.Name] = true
	}
	assert.Equal(t, map[string]bool{"fetch": true, "compile": true, "package": true}, names)
}

func TestReverseWorkflow_DefaultTargetsAreSinks(t *testing.T) {
	eng, _ := newTestEngine(t, actions.NewLocalRunner(nil))

	spec := mustParse(t, `
version: "1.0"
name: sinks
type: reverse
tasks:
  root:
    action: std.noop
  left:
    action: std.noop
    requires: [root]
  right:
    action: std.noop
    requires: [root]
`)

	id, err := eng.StartWorkflow(context.Background(), spec, nil, engine.StartOptions{})
	require.NoError(t, err)

	wx := getExecution(t, eng, id)
	assert.Equal(t, models.StateSuccess, wx.State)
	tasks, err := eng.ListTaskExecutions(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}
