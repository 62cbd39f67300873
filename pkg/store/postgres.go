package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/observability"
)

const (
	workflowExecutionColumns = `id, workflow_name, workflow_namespace, project_id, spec, state, state_info,
		input, context, output, parent_task_id, created_at, updated_at`
	taskExecutionColumns = `id, workflow_execution_id, name, spec, state, state_info, input, published,
		result, attempts, pending_items, failed_items, deadline_at, created_at, updated_at`
	actionExecutionColumns = `id, task_execution_id, name, input, output, error_info, attempt, item_index,
		state, created_at, updated_at`
)

// PostgresStore implements ExecutionStore on PostgreSQL. Concurrency control
// is delegated to row-level locks (SELECT ... FOR UPDATE); deadlocks and
// serialization failures surface as ErrStorageConflict for the caller's
// retry loop.
type PostgresStore struct {
	writeDB *sqlx.DB
	readDB  *sqlx.DB
	logger  observability.Logger
	tracer  observability.StartSpanFunc
	metrics observability.MetricsClient
}

// NewPostgresStore creates a store over the given connections. readDB may
// equal writeDB; locked reads always go through writeDB.
func NewPostgresStore(writeDB, readDB *sqlx.DB, logger observability.Logger, tracer observability.StartSpanFunc, metrics observability.MetricsClient) *PostgresStore {
	if readDB == nil {
		readDB = writeDB
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if tracer == nil {
		tracer = observability.NoopStartSpan
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &PostgresStore{
		writeDB: writeDB,
		readDB:  readDB,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
	}
}

// pgTx wraps sqlx.Tx with commit timing
type pgTx struct {
	tx        *sqlx.Tx
	logger    observability.Logger
	metrics   observability.MetricsClient
	startTime time.Time
	closed    bool
}

// Commit commits the transaction
func (t *pgTx) Commit() error {
	if t.closed {
		return errors.New("transaction already closed")
	}
	t.closed = true
	if err := t.tx.Commit(); err != nil {
		return translateError(err, "commit")
	}
	t.metrics.RecordDuration("store_tx_duration", time.Since(t.startTime))
	return nil
}

// Rollback rolls back the transaction
func (t *pgTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, "rollback")
	}
	return nil
}

// Begin starts a transaction at READ COMMITTED; row locks carry the
// serialization burden.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.writeDB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, translateError(err, "begin transaction")
	}
	return &pgTx{tx: tx, logger: s.logger, metrics: s.metrics, startTime: time.Now()}, nil
}

func txOf(tx Tx) (*pgTx, error) {
	pt, ok := tx.(*pgTx)
	if !ok || pt == nil {
		return nil, errors.New("operation requires a postgres transaction")
	}
	if pt.closed {
		return nil, errors.New("transaction already closed")
	}
	return pt, nil
}

// translateError maps driver errors onto the engine's sentinel kinds.
func translateError(err error, op string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return errors.Wrap(models.ErrNotFound, op)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return errors.Wrapf(models.ErrStorageConflict, "%s: %v", op, pqErr)
		case "23505": // unique_violation
			return errors.Wrapf(models.ErrDuplicate, "%s: %v", op, pqErr)
		}
	}
	return errors.Wrap(err, op)
}

// --- workflow definitions ---

// CreateWorkflowDefinition stores a new definition; uniqueness is
// (name, namespace, project_id).
func (s *PostgresStore) CreateWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	ctx, span := s.tracer(ctx, "PostgresStore.CreateWorkflowDefinition")
	defer span.End()

	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	if def.Version == 0 {
		def.Version = 1
	}

	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, name, namespace, project_id, version, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		def.ID, def.Name, def.Namespace, def.ProjectID, def.Version, def.Definition, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return translateError(err, "create workflow definition")
	}

	s.logger.Info("Workflow definition created", map[string]interface{}{
		"name":      def.Name,
		"namespace": def.Namespace,
	})
	return nil
}

// UpdateWorkflowDefinition replaces the document and bumps the version.
func (s *PostgresStore) UpdateWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	ctx, span := s.tracer(ctx, "PostgresStore.UpdateWorkflowDefinition")
	defer span.End()

	def.UpdatedAt = time.Now().UTC()
	res, err := s.writeDB.ExecContext(ctx, `
		UPDATE workflow_definitions
		SET definition = $1, version = version + 1, updated_at = $2
		WHERE name = $3 AND namespace = $4 AND project_id = $5`,
		def.Definition, def.UpdatedAt, def.Name, def.Namespace, def.ProjectID,
	)
	if err != nil {
		return translateError(err, "update workflow definition")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(models.ErrNotFound, "workflow definition %q", def.Name)
	}
	return nil
}

// GetWorkflowDefinition looks up a definition by identity. The empty
// namespace is a distinct namespace, not a wildcard.
func (s *PostgresStore) GetWorkflowDefinition(ctx context.Context, name, namespace, projectID string) (*models.WorkflowDefinition, error) {
	ctx, span := s.tracer(ctx, "PostgresStore.GetWorkflowDefinition")
	defer span.End()

	var def models.WorkflowDefinition
	err := s.readDB.GetContext(ctx, &def, `
		SELECT id, name, namespace, project_id, version, definition, created_at, updated_at
		FROM workflow_definitions
		WHERE name = $1 AND namespace = $2 AND project_id = $3`,
		name, namespace, projectID,
	)
	if err != nil {
		return nil, translateError(err, "get workflow definition")
	}
	return &def, nil
}

// ListWorkflowDefinitions returns all definitions in a namespace.
func (s *PostgresStore) ListWorkflowDefinitions(ctx context.Context, namespace, projectID string) ([]*models.WorkflowDefinition, error) {
	ctx, span := s.tracer(ctx, "PostgresStore.ListWorkflowDefinitions")
	defer span.End()

	defs := []*models.WorkflowDefinition{}
	err := s.readDB.SelectContext(ctx, &defs, `
		SELECT id, name, namespace, project_id, version, definition, created_at, updated_at
		FROM workflow_definitions
		WHERE namespace = $1 AND project_id = $2
		ORDER BY name`,
		namespace, projectID,
	)
	if err != nil {
		return nil, translateError(err, "list workflow definitions")
	}
	return defs, nil
}

// DeleteWorkflowDefinition removes a definition.
func (s *PostgresStore) DeleteWorkflowDefinition(ctx context.Context, name, namespace, projectID string) error {
	ctx, span := s.tracer(ctx, "PostgresStore.DeleteWorkflowDefinition")
	defer span.End()

	res, err := s.writeDB.ExecContext(ctx, `
		DELETE FROM workflow_definitions WHERE name = $1 AND namespace = $2 AND project_id = $3`,
		name, namespace, projectID,
	)
	if err != nil {
		return translateError(err, "delete workflow definition")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(models.ErrNotFound, "workflow definition %q", name)
	}
	return nil
}

// --- workflow executions ---

// CreateWorkflowExecution inserts a new execution row under tx.
func (s *PostgresStore) CreateWorkflowExecution(ctx context.Context, tx Tx, wx *models.WorkflowExecution) error {
	pt, err := txOf(tx)
	if err != nil {
		return err
	}
	if wx.ID == uuid.Nil {
		wx.ID = uuid.New()
	}
	now := time.Now().UTC()
	wx.CreatedAt = now
	wx.UpdatedAt = now
	if wx.State == "" {
		wx.State = models.StateIdle
	}

	_, err = pt.tx.ExecContext(ctx, `
		INSERT INTO workflow_executions (`+workflowExecutionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		wx.ID, wx.WorkflowName, wx.WorkflowNamespace, wx.ProjectID, wx.Spec, wx.State, wx.StateInfo,
		wx.Input, wx.Context, wx.Output, wx.ParentTaskID, wx.CreatedAt, wx.UpdatedAt,
	)
	return translateError(err, "create workflow execution")
}

// GetWorkflowExecution reads an execution snapshot without locking.
func (s *PostgresStore) GetWorkflowExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	ctx, span := s.tracer(ctx, "PostgresStore.GetWorkflowExecution")
	defer span.End()

	var wx models.WorkflowExecution
	err := s.readDB.GetContext(ctx, &wx, `
		SELECT `+workflowExecutionColumns+` FROM workflow_executions WHERE id = $1`, id)
	if err != nil {
		return nil, translateError(err, "get workflow execution")
	}
	return &wx, nil
}

// GetWorkflowExecutionForUpdate locks the execution row for the
// transaction; all mutations of one execution serialize on this lock.
func (s *PostgresStore) GetWorkflowExecutionForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*models.WorkflowExecution, error) {
	pt, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	var wx models.WorkflowExecution
	err = pt.tx.GetContext(ctx, &wx, `
		SELECT `+workflowExecutionColumns+` FROM workflow_executions WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, translateError(err, "lock workflow execution")
	}
	return &wx, nil
}

// UpdateWorkflowExecution persists mutable fields; the state change is
// validated against the row's current state inside the transaction.
func (s *PostgresStore) UpdateWorkflowExecution(ctx context.Context, tx Tx, wx *models.WorkflowExecution) error {
	pt, err := txOf(tx)
	if err != nil {
		return err
	}

	var current models.State
	if err := pt.tx.GetContext(ctx, &current, `SELECT state FROM workflow_executions WHERE id = $1`, wx.ID); err != nil {
		return translateError(err, "read workflow execution state")
	}
	if !models.IsValidTransition(current, wx.State) {
		return errors.Wrapf(models.ErrInvalidStateTransition, "workflow execution %s: %s -> %s", wx.ID, current, wx.State)
	}

	wx.UpdatedAt = time.Now().UTC()
	_, err = pt.tx.ExecContext(ctx, `
		UPDATE workflow_executions
		SET state = $1, state_info = $2, context = $3, output = $4, updated_at = $5
		WHERE id = $6`,
		wx.State, wx.StateInfo, wx.Context, wx.Output, wx.UpdatedAt, wx.ID,
	)
	return translateError(err, "update workflow execution")
}

// ResetWorkflowExecution updates without transition validation; rerun only.
func (s *PostgresStore) ResetWorkflowExecution(ctx context.Context, tx Tx, wx *models.WorkflowExecution) error {
	pt, err := txOf(tx)
	if err != nil {
		return err
	}
	wx.UpdatedAt = time.Now().UTC()
	_, err = pt.tx.ExecContext(ctx, `
		UPDATE workflow_executions
		SET state = $1, state_info = $2, context = $3, output = $4, updated_at = $5
		WHERE id = $6`,
		wx.State, wx.StateInfo, wx.Context, wx.Output, wx.UpdatedAt, wx.ID,
	)
	return translateError(err, "reset workflow execution")
}

// DeleteWorkflowExecution removes the execution; tasks, actions, delayed
// calls and sub-workflow executions go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteWorkflowExecution(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer(ctx, "PostgresStore.DeleteWorkflowExecution")
	defer span.End()

	res, err := s.writeDB.ExecContext(ctx, `DELETE FROM workflow_executions WHERE id = $1`, id)
	if err != nil {
		return translateError(err, "delete workflow execution")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(models.ErrNotFound, "workflow execution %s", id)
	}
	return nil
}

// GetChildWorkflowExecution finds the sub-workflow spawned by a task.
func (s *PostgresStore) GetChildWorkflowExecution(ctx context.Context, tx Tx, parentTaskID uuid.UUID) (*models.WorkflowExecution, error) {
	pt, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	var wx models.WorkflowExecution
	err = pt.tx.GetContext(ctx, &wx, `
		SELECT `+workflowExecutionColumns+` FROM workflow_executions WHERE parent_task_id = $1 FOR UPDATE`,
		parentTaskID)
	if err != nil {
		return nil, translateError(err, "get child workflow execution")
	}
	return &wx, nil
}

// --- task executions ---

// CreateTaskExecution inserts a task row under tx.
func (s *PostgresStore) CreateTaskExecution(ctx context.Context, tx Tx, task *models.TaskExecution) error {
	pt, err := txOf(tx)
	if err != nil {
		return err
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.State == "" {
		task.State = models.StateIdle
	}

	_, err = pt.tx.ExecContext(ctx, `
		INSERT INTO task_executions (`+taskExecutionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		task.ID, task.WorkflowExecutionID, task.Name, task.Spec, task.State, task.StateInfo,
		task.Input, task.Published, task.Result, task.Attempts, task.PendingItems, task.FailedItems,
		task.DeadlineAt, task.CreatedAt, task.UpdatedAt,
	)
	return translateError(err, "create task execution")
}

// GetTaskExecution reads a task snapshot without locking.
func (s *PostgresStore) GetTaskExecution(ctx context.Context, id uuid.UUID) (*models.TaskExecution, error) {
	var task models.TaskExecution
	err := s.readDB.GetContext(ctx, &task, `
		SELECT `+taskExecutionColumns+` FROM task_executions WHERE id = $1`, id)
	if err != nil {
		return nil, translateError(err, "get task execution")
	}
	return &task, nil
}

// GetTaskExecutionForUpdate locks a task row for the transaction.
func (s *PostgresStore) GetTaskExecutionForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*models.TaskExecution, error) {
	pt, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	var task models.TaskExecution
	err = pt.tx.GetContext(ctx, &task, `
		SELECT `+taskExecutionColumns+` FROM task_executions WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, translateError(err, "lock task execution")
	}
	return &task, nil
}

// GetTaskExecutionByName finds a task of an execution by task name.
func (s *PostgresStore) GetTaskExecutionByName(ctx context.Context, tx Tx, workflowExecutionID uuid.UUID, name string) (*models.TaskExecution, error) {
	pt, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	var task models.TaskExecution
	err = pt.tx.GetContext(ctx, &task, `
		SELECT `+taskExecutionColumns+` FROM task_executions
		WHERE workflow_execution_id = $1 AND name = $2 FOR UPDATE`,
		workflowExecutionID, name)
	if err != nil {
		return nil, translateError(err, "get task execution by name")
	}
	return &task, nil
}

// ListTaskExecutions returns every task of an execution in creation order.
// Within a transaction the rows are read consistently under the workflow
// row lock; outside one they are a read snapshot.
func (s *PostgresStore) ListTaskExecutions(ctx context.Context, tx Tx, workflowExecutionID uuid.UUID) ([]*models.TaskExecution, error) {
	query := `SELECT ` + taskExecutionColumns + ` FROM task_executions
		WHERE workflow_execution_id = $1 ORDER BY created_at, id`

	tasks := []*models.TaskExecution{}
	if tx != nil {
		pt, err := txOf(tx)
		if err != nil {
			return nil, err
		}
		if err := pt.tx.SelectContext(ctx, &tasks, query, workflowExecutionID); err != nil {
			return nil, translateError(err, "list task executions")
		}
		return tasks, nil
	}
	if err := s.readDB.SelectContext(ctx, &tasks, query, workflowExecutionID); err != nil {
		return nil, translateError(err, "list task executions")
	}
	return tasks, nil
}

// UpdateTaskExecution persists mutable fields with transition validation.
func (s *PostgresStore) UpdateTaskExecution(ctx context.Context, tx Tx, task *models.TaskExecution) error {
	pt, err := txOf(tx)
	if err != nil {
		return err
	}

	var current models.State
	if err := pt.tx.GetContext(ctx, &current, `SELECT state FROM task_executions WHERE id = $1`, task.ID); err != nil {
		return translateError(err, "read task execution state")
	}
	if !models.IsValidTransition(current, task.State) {
		return errors.Wrapf(models.ErrInvalidStateTransition, "task execution %s (%s): %s -> %s", task.ID, task.Name, current, task.State)
	}

	task.UpdatedAt = time.Now().UTC()
	_, err = pt.tx.ExecContext(ctx, `
		UPDATE task_executions
		SET state = $1, state_info = $2, input = $3, published = $4, result = $5,
			attempts = $6, pending_items = $7, failed_items = $8, deadline_at = $9, updated_at = $10
		WHERE id = $11`,
		task.State, task.StateInfo, task.Input, task.Published, task.Result,
		task.Attempts, task.PendingItems, task.FailedItems, task.DeadlineAt, task.UpdatedAt, task.ID,
	)
	return translateError(err, "update task execution")
}

// ResetTaskExecution updates without transition validation; rerun only.
func (s *PostgresStore) ResetTaskExecution(ctx context.Context, tx Tx, task *models.TaskExecution) error {
	pt, err := txOf(tx)
	if err != nil {
		return err
	}
	task.UpdatedAt = time.Now().UTC()
	_, err = pt.tx.ExecContext(ctx, `
		UPDATE task_executions
		SET state = $1, state_info = $2, input = $3, published = $4, result = $5,
			attempts = $6, pending_items = $7, failed_items = $8, deadline_at = $9, updated_at = $10
		WHERE id = $11`,
		task.State, task.StateInfo, task.Input, task.Published, task.Result,
		task.Attempts, task.PendingItems, task.FailedItems, task.DeadlineAt, task.UpdatedAt, task.ID,
	)
	return translateError(err, "reset task execution")
}

// DeleteTaskExecution removes a task row (rerun discards downstream tasks).
func (s *PostgresStore) DeleteTaskExecution(ctx context.Context, tx Tx, id uuid.UUID) error {
	pt, err := txOf(tx)
	if err != nil {
		return err
	}
	_, err = pt.tx.ExecContext(ctx, `DELETE FROM task_executions WHERE id = $1`, id)
	return translateError(err, "delete task execution")
}

// --- action executions ---

// CreateActionExecution inserts an action row under tx.
func (s *PostgresStore) CreateActionExecution(ctx context.Context, tx Tx, action *models.ActionExecution) error {
	pt, err := txOf(tx)
	if err != nil {
		return err
	}
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	now := time.Now().UTC()
	action.CreatedAt = now
	action.UpdatedAt = now
	if action.State == "" {
		action.State = models.StateRunning
	}

	_, err = pt.tx.ExecContext(ctx, `
		INSERT INTO action_executions (`+actionExecutionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		action.ID, action.TaskExecutionID, action.Name, action.Input, action.Output, action.ErrorInfo,
		action.Attempt, action.ItemIndex, action.State, action.CreatedAt, action.UpdatedAt,
	)
	return translateError(err, "create action execution")
}

// GetActionExecution reads an action snapshot without locking.
func (s *PostgresStore) GetActionExecution(ctx context.Context, id uuid.UUID) (*models.ActionExecution, error) {
	var action models.ActionExecution
	err := s.readDB.GetContext(ctx, &action, `
		SELECT `+actionExecutionColumns+` FROM action_executions WHERE id = $1`, id)
	if err != nil {
		return nil, translateError(err, "get action execution")
	}
	return &action, nil
}

// GetActionExecutionForUpdate locks an action row for the transaction.
func (s *PostgresStore) GetActionExecutionForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*models.ActionExecution, error) {
	pt, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	var action models.ActionExecution
	err = pt.tx.GetContext(ctx, &action, `
		SELECT `+actionExecutionColumns+` FROM action_executions WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, translateError(err, "lock action execution")
	}
	return &action, nil
}

// UpdateActionExecution persists an action's result with transition
// validation.
func (s *PostgresStore) UpdateActionExecution(ctx context.Context, tx Tx, action *models.ActionExecution) error {
	pt, err := txOf(tx)
	if err != nil {
		return err
	}

	var current models.State
	if err := pt.tx.GetContext(ctx, &current, `SELECT state FROM action_executions WHERE id = $1`, action.ID); err != nil {
		return translateError(err, "read action execution state")
	}
	if !models.IsValidTransition(current, action.State) {
		return errors.Wrapf(models.ErrInvalidStateTransition, "action execution %s: %s -> %s", action.ID, current, action.State)
	}

	action.UpdatedAt = time.Now().UTC()
	_, err = pt.tx.ExecContext(ctx, `
		UPDATE action_executions
		SET output = $1, error_info = $2, state = $3, updated_at = $4
		WHERE id = $5`,
		action.Output, action.ErrorInfo, action.State, action.UpdatedAt, action.ID,
	)
	return translateError(err, "update action execution")
}

// ListActionExecutions returns every action of a task ordered by attempt
// and item index.
func (s *PostgresStore) ListActionExecutions(ctx context.Context, tx Tx, taskExecutionID uuid.UUID) ([]*models.ActionExecution, error) {
	query := `SELECT ` + actionExecutionColumns + ` FROM action_executions
		WHERE task_execution_id = $1 ORDER BY attempt, item_index, created_at`

	actions := []*models.ActionExecution{}
	if tx != nil {
		pt, err := txOf(tx)
		if err != nil {
			return nil, err
		}
		if err := pt.tx.SelectContext(ctx, &actions, query, taskExecutionID); err != nil {
			return nil, translateError(err, "list action executions")
		}
		return actions, nil
	}
	if err := s.readDB.SelectContext(ctx, &actions, query, taskExecutionID); err != nil {
		return nil, translateError(err, "list action executions")
	}
	return actions, nil
}

// --- delayed calls ---

// CreateDelayedCall enqueues a timer under tx.
func (s *PostgresStore) CreateDelayedCall(ctx context.Context, tx Tx, call *models.DelayedCall) error {
	pt, err := txOf(tx)
	if err != nil {
		return err
	}
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	call.CreatedAt = time.Now().UTC()

	_, err = pt.tx.ExecContext(ctx, `
		INSERT INTO delayed_calls (id, workflow_execution_id, task_execution_id, kind, deadline_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		call.ID, call.WorkflowExecutionID, call.TaskExecutionID, call.Kind, call.DeadlineAt, call.CreatedAt,
	)
	return translateError(err, "create delayed call")
}

// FindReadyDelayed returns due timers, oldest deadline first.
func (s *PostgresStore) FindReadyDelayed(ctx context.Context, now time.Time, limit int) ([]*models.DelayedCall, error) {
	calls := []*models.DelayedCall{}
	err := s.writeDB.SelectContext(ctx, &calls, `
		SELECT id, workflow_execution_id, task_execution_id, kind, deadline_at, created_at
		FROM delayed_calls
		WHERE deadline_at <= $1
		ORDER BY deadline_at ASC
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, translateError(err, "find ready delayed calls")
	}
	return calls, nil
}

// DeleteDelayedCall consumes a timer; false means it was already consumed.
func (s *PostgresStore) DeleteDelayedCall(ctx context.Context, tx Tx, id uuid.UUID) (bool, error) {
	pt, err := txOf(tx)
	if err != nil {
		return false, err
	}
	res, err := pt.tx.ExecContext(ctx, `DELETE FROM delayed_calls WHERE id = $1`, id)
	if err != nil {
		return false, translateError(err, "delete delayed call")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteDelayedCallsForTask drops a task's outstanding timers.
func (s *PostgresStore) DeleteDelayedCallsForTask(ctx context.Context, tx Tx, taskExecutionID uuid.UUID, kinds ...models.DelayKind) error {
	pt, err := txOf(tx)
	if err != nil {
		return err
	}
	if len(kinds) == 0 {
		_, err = pt.tx.ExecContext(ctx, `DELETE FROM delayed_calls WHERE task_execution_id = $1`, taskExecutionID)
		return translateError(err, "delete delayed calls for task")
	}
	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}
	_, err = pt.tx.ExecContext(ctx, `
		DELETE FROM delayed_calls WHERE task_execution_id = $1 AND kind = ANY($2)`,
		taskExecutionID, pq.Array(kindStrs))
	return translateError(err, "delete delayed calls for task")
}

// Close releases both connection pools.
func (s *PostgresStore) Close() error {
	if s.readDB != s.writeDB {
		_ = s.readDB.Close()
	}
	return s.writeDB.Close()
}
