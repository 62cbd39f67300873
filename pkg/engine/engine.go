// Package engine is the workflow execution engine: the task and workflow
// state machines and the event dispatcher that advances them. All state
// lives in the execution store; the engine itself holds no process-wide
// mutable state and any number of engine instances may share one store.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cascadehq/cascade/pkg/actions"
	"github.com/cascadehq/cascade/pkg/cache"
	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/observability"
	"github.com/cascadehq/cascade/pkg/parser"
	"github.com/cascadehq/cascade/pkg/store"
)

// DefinitionResolver resolves a workflow name to its validated spec;
// sub-workflow tasks and start-by-name go through it.
type DefinitionResolver interface {
	Resolve(ctx context.Context, name, namespace, projectID string) (*models.WorkflowSpec, error)
}

// Engine drives workflow executions to a terminal state. It is safe for
// concurrent use; per-execution serialization is delegated to the store's
// row locks.
type Engine struct {
	store   store.ExecutionStore
	runner  actions.Runner
	defs    DefinitionResolver
	logger  observability.Logger
	metrics observability.MetricsClient
	tracer  observability.StartSpanFunc
}

// New creates an engine. runner and defs are required; nil observability
// dependencies default to no-ops.
func New(st store.ExecutionStore, runner actions.Runner, defs DefinitionResolver,
	logger observability.Logger, metrics observability.MetricsClient, tracer observability.StartSpanFunc) *Engine {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if tracer == nil {
		tracer = observability.NoopStartSpan
	}
	return &Engine{
		store:   st,
		runner:  runner,
		defs:    defs,
		logger:  logger.WithPrefix("engine"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// StartOptions carries the optional attributes of a workflow start.
type StartOptions struct {
	Namespace string
	ProjectID string
	// TargetTasks requests specific output tasks of a reverse workflow;
	// ignored for direct workflows.
	TargetTasks []string
}

// StartWorkflow validates the input against the spec's parameters, creates
// the execution and dispatches its start event. The returned id is valid
// even if the execution immediately fails.
func (e *Engine) StartWorkflow(ctx context.Context, spec *models.WorkflowSpec, input map[string]interface{}, opts StartOptions) (uuid.UUID, error) {
	ctx, span := e.tracer(ctx, "Engine.StartWorkflow")
	defer span.End()

	if err := spec.Validate(); err != nil {
		span.RecordError(err)
		return uuid.Nil, err
	}
	resolved, err := resolveParameters(spec, input)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, err
	}

	wx := &models.WorkflowExecution{
		ID:                uuid.New(),
		WorkflowName:      spec.Name,
		WorkflowNamespace: opts.Namespace,
		ProjectID:         opts.ProjectID,
		Spec:              models.SpecDocument{Spec: spec},
		State:             models.StateIdle,
		Input:             resolved,
		Context:           models.JSONMap{},
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if err := e.store.CreateWorkflowExecution(ctx, tx, wx); err != nil {
		_ = tx.Rollback()
		return uuid.Nil, err
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, err
	}

	e.logger.Info("Workflow execution created", map[string]interface{}{
		"workflow":     spec.Name,
		"namespace":    opts.Namespace,
		"execution_id": wx.ID,
	})
	e.metrics.IncrementCounterWithLabels("engine_workflows_started", 1, map[string]string{
		"workflow": spec.Name,
	})

	ev := NewEvent(EventStart, wx.ID)
	ev.TargetTasks = opts.TargetTasks
	if err := e.HandleEvent(ctx, ev); err != nil {
		return wx.ID, err
	}
	return wx.ID, nil
}

// StartWorkflowByName resolves a stored definition and starts it.
func (e *Engine) StartWorkflowByName(ctx context.Context, name string, input map[string]interface{}, opts StartOptions) (uuid.UUID, error) {
	spec, err := e.defs.Resolve(ctx, name, opts.Namespace, opts.ProjectID)
	if err != nil {
		return uuid.Nil, err
	}
	return e.StartWorkflow(ctx, spec, input, opts)
}

// GetWorkflowExecution returns an execution snapshot.
func (e *Engine) GetWorkflowExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	return e.store.GetWorkflowExecution(ctx, id)
}

// ListTaskExecutions returns the tasks of an execution in creation order.
func (e *Engine) ListTaskExecutions(ctx context.Context, workflowExecutionID uuid.UUID) ([]*models.TaskExecution, error) {
	return e.store.ListTaskExecutions(ctx, nil, workflowExecutionID)
}

// Stop asks the execution's running tasks to halt after their current
// action; the execution can later be resumed.
func (e *Engine) Stop(ctx context.Context, id uuid.UUID) error {
	return e.HandleEvent(ctx, NewEvent(EventStop, id))
}

// Resume returns a stopped execution to RUNNING and restarts its stopped
// tasks.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) error {
	return e.HandleEvent(ctx, NewEvent(EventStart, id))
}

// Cancel marks the execution and every non-terminal task ERROR and
// best-effort signals the action runner. Propagates to sub-workflows.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	return e.HandleEvent(ctx, NewEvent(EventCancel, id))
}

// Deliver is the ActionRunner callback: it routes an asynchronous action
// result to the owning execution as an action_done event.
func (e *Engine) Deliver(ctx context.Context, actionExecID uuid.UUID, success bool, result interface{}, errorInfo string) error {
	action, err := e.store.GetActionExecution(ctx, actionExecID)
	if err != nil {
		return err
	}
	task, err := e.store.GetTaskExecution(ctx, action.TaskExecutionID)
	if err != nil {
		return err
	}

	ev := NewEvent(EventActionDone, task.WorkflowExecutionID)
	ev.TaskExecutionID = &task.ID
	ev.ActionExecutionID = &action.ID
	ev.Success = success
	ev.Result = result
	ev.ErrorInfo = errorInfo
	return e.HandleEvent(ctx, ev)
}

// OnTimer converts an expired delayed call into a timer_fired event; the
// delay worker is its only caller.
func (e *Engine) OnTimer(ctx context.Context, call *models.DelayedCall) error {
	ev := NewEvent(EventTimerFired, call.WorkflowExecutionID)
	ev.TaskExecutionID = call.TaskExecutionID
	ev.DelayedCallID = &call.ID
	ev.TimerKind = call.Kind
	return e.HandleEvent(ctx, ev)
}

// resolveParameters applies declared defaults and enforces required
// parameters; violations wrap ErrInvalidModel.
func resolveParameters(spec *models.WorkflowSpec, input map[string]interface{}) (models.JSONMap, error) {
	resolved := models.JSONMap{}
	for k, v := range input {
		resolved[k] = v
	}
	for _, param := range spec.Parameters {
		if _, ok := resolved[param.Name]; ok {
			continue
		}
		if param.Default != nil {
			resolved[param.Name] = param.Default
			continue
		}
		if param.Required {
			return nil, errors.Wrapf(models.ErrInvalidModel, "required parameter %q is missing", param.Name)
		}
	}
	return resolved, nil
}

// storeResolver resolves definitions from the store through an optional
// cache in front; parse results are what gets cached, keyed by identity.
type storeResolver struct {
	store  store.ExecutionStore
	cache  cache.Cache
	logger observability.Logger
}

// NewStoreResolver creates the store-backed definition resolver. cache may
// be nil.
func NewStoreResolver(st store.ExecutionStore, c cache.Cache, logger observability.Logger) DefinitionResolver {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &storeResolver{store: st, cache: c, logger: logger.WithPrefix("resolver")}
}

func (r *storeResolver) Resolve(ctx context.Context, name, namespace, projectID string) (*models.WorkflowSpec, error) {
	key := DefinitionCacheKey(name, namespace, projectID)
	if r.cache != nil {
		var doc string
		if err := r.cache.Get(ctx, key, &doc); err == nil && doc != "" {
			spec, err := parser.Parse([]byte(doc))
			if err == nil {
				return spec, nil
			}
			r.logger.Warn("Dropping unparsable cached definition", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
			_ = r.cache.Delete(ctx, key)
		}
	}

	def, err := r.store.GetWorkflowDefinition(ctx, name, namespace, projectID)
	if err != nil {
		return nil, err
	}
	spec, err := parser.Parse([]byte(def.Definition))
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, key, def.Definition, cache.DefaultTTL); err != nil {
			r.logger.Debug("Definition cache write failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return spec, nil
}

// DefinitionCacheKey is the cache key of a stored workflow definition;
// writers invalidate it when the definition changes.
func DefinitionCacheKey(name, namespace, projectID string) string {
	return fmt.Sprintf("wfdef:%s:%s:%s", namespace, projectID, name)
}

// cloneValue forces a result into the JSON type universe so persisted and
// replayed payloads are indistinguishable.
func cloneValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
