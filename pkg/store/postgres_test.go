package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/store"
)

func newMockStore(t *testing.T) (*store.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	t.Cleanup(func() { _ = sqlxDB.Close() })
	return store.NewPostgresStore(sqlxDB, sqlxDB, nil, nil, nil), mock
}

func TestPostgres_CreateWorkflowDefinition(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO workflow_definitions").
		WithArgs(sqlmock.AnyArg(), "deploy", "team-a", "", 1, "version: \"1.0\"", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	def := &models.WorkflowDefinition{Name: "deploy", Namespace: "team-a", Definition: "version: \"1.0\""}
	require.NoError(t, s.CreateWorkflowDefinition(context.Background(), def))
	assert.NotEqual(t, uuid.Nil, def.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateWorkflowDefinition_Duplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO workflow_definitions").
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.CreateWorkflowDefinition(context.Background(), &models.WorkflowDefinition{Name: "deploy"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDuplicate))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetWorkflowDefinition_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM workflow_definitions").
		WithArgs("ghost", "", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetWorkflowDefinition(context.Background(), "ghost", "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateWorkflowDefinition_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE workflow_definitions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateWorkflowDefinition(context.Background(), &models.WorkflowDefinition{Name: "ghost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func workflowExecutionRows(wx *models.WorkflowExecution) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "workflow_name", "workflow_namespace", "project_id", "spec", "state", "state_info",
		"input", "context", "output", "parent_task_id", "created_at", "updated_at",
	}).AddRow(
		wx.ID.String(), wx.WorkflowName, wx.WorkflowNamespace, wx.ProjectID, []byte("null"), string(wx.State), wx.StateInfo,
		[]byte("{}"), []byte("{}"), []byte("{}"), nil, wx.CreatedAt, wx.UpdatedAt,
	)
}

func TestPostgres_WorkflowExecutionLifecycle(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO workflow_executions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM workflow_executions WHERE id = \\$1 FOR UPDATE").
		WithArgs(id).
		WillReturnRows(workflowExecutionRows(&models.WorkflowExecution{
			ID: id, WorkflowName: "wf", State: models.StateIdle,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}))
	mock.ExpectQuery("SELECT state FROM workflow_executions").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("IDLE"))
	mock.ExpectExec("UPDATE workflow_executions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	wx := &models.WorkflowExecution{ID: id, WorkflowName: "wf", State: models.StateIdle}
	require.NoError(t, s.CreateWorkflowExecution(ctx, tx, wx))

	locked, err := s.GetWorkflowExecutionForUpdate(ctx, tx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, locked.State)

	locked.State = models.StateRunning
	require.NoError(t, s.UpdateWorkflowExecution(ctx, tx, locked))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateWorkflowExecution_InvalidTransition(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM workflow_executions").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("SUCCESS"))
	mock.ExpectRollback()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	err = s.UpdateWorkflowExecution(ctx, tx, &models.WorkflowExecution{ID: id, State: models.StateRunning})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidStateTransition))
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BeginTranslatesDeadlock(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM workflow_executions WHERE id = \\$1 FOR UPDATE").
		WithArgs(id).
		WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = s.GetWorkflowExecutionForUpdate(ctx, tx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStorageConflict))
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteDelayedCall(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM delayed_calls WHERE id").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM delayed_calls WHERE id").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	consumed, err := s.DeleteDelayedCall(ctx, tx, id)
	require.NoError(t, err)
	assert.True(t, consumed)
	consumed, err = s.DeleteDelayedCall(ctx, tx, id)
	require.NoError(t, err)
	assert.False(t, consumed)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteDelayedCallsForTask_KindFilter(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM delayed_calls WHERE task_execution_id = \\$1 AND kind = ANY").
		WithArgs(taskID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM delayed_calls WHERE task_execution_id = \\$1").
		WithArgs(taskID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.DeleteDelayedCallsForTask(ctx, tx, taskID, models.DelayTimeout, models.DelayRetry))
	require.NoError(t, s.DeleteDelayedCallsForTask(ctx, tx, taskID))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindReadyDelayed(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	callID := uuid.New()
	wxID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM delayed_calls").
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "workflow_execution_id", "task_execution_id", "kind", "deadline_at", "created_at",
		}).AddRow(callID.String(), wxID.String(), nil, "timeout", now.Add(-time.Second), now.Add(-time.Minute)))

	calls, err := s.FindReadyDelayed(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, callID, calls[0].ID)
	assert.Equal(t, models.DelayTimeout, calls[0].Kind)
	assert.Nil(t, calls[0].TaskExecutionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
