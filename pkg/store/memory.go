package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/cascadehq/cascade/pkg/models"
)

// MemoryStore implements ExecutionStore in process memory. It backs the
// embedded CLI run mode and the engine's tests. One store-wide mutex stands
// in for row-level locks: coarser than Postgres but it gives the same
// serialization guarantee per workflow execution, and Rollback restores the
// pre-transaction state from an undo log.
type MemoryStore struct {
	mu sync.Mutex

	// Definitions live behind their own lock so they can be resolved while
	// an execution transaction holds mu (sub-workflow lookups).
	defMu       sync.RWMutex
	definitions map[defKey]*models.WorkflowDefinition

	workflows map[uuid.UUID]*models.WorkflowExecution
	tasks     map[uuid.UUID]*models.TaskExecution
	actions   map[uuid.UUID]*models.ActionExecution
	delayed   map[uuid.UUID]*models.DelayedCall
}

type defKey struct {
	name      string
	namespace string
	projectID string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: map[defKey]*models.WorkflowDefinition{},
		workflows:   map[uuid.UUID]*models.WorkflowExecution{},
		tasks:       map[uuid.UUID]*models.TaskExecution{},
		actions:     map[uuid.UUID]*models.ActionExecution{},
		delayed:     map[uuid.UUID]*models.DelayedCall{},
	}
}

type memTx struct {
	store  *MemoryStore
	undo   []func()
	closed bool
}

// Commit discards the undo log and releases the store.
func (t *memTx) Commit() error {
	if t.closed {
		return errors.New("transaction already closed")
	}
	t.closed = true
	t.undo = nil
	t.store.mu.Unlock()
	return nil
}

// Rollback restores pre-transaction state and releases the store.
func (t *memTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.closed = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.store.mu.Unlock()
	return nil
}

// Begin acquires the store until Commit or Rollback.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	return &memTx{store: s}, nil
}

func (s *MemoryStore) txOf(tx Tx) (*memTx, error) {
	mt, ok := tx.(*memTx)
	if !ok || mt == nil {
		return nil, errors.New("operation requires a memory transaction")
	}
	if mt.closed {
		return nil, errors.New("transaction already closed")
	}
	if mt.store != s {
		return nil, errors.New("transaction belongs to a different store")
	}
	return mt, nil
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}
	return out
}

// --- workflow definitions ---

// CreateWorkflowDefinition stores a new definition.
func (s *MemoryStore) CreateWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	s.defMu.Lock()
	defer s.defMu.Unlock()

	key := defKey{def.Name, def.Namespace, def.ProjectID}
	if _, exists := s.definitions[key]; exists {
		return errors.Wrapf(models.ErrDuplicate, "workflow definition %q", def.Name)
	}
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	if def.Version == 0 {
		def.Version = 1
	}
	s.definitions[key] = clone(def)
	return nil
}

// UpdateWorkflowDefinition replaces the stored document.
func (s *MemoryStore) UpdateWorkflowDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	s.defMu.Lock()
	defer s.defMu.Unlock()

	key := defKey{def.Name, def.Namespace, def.ProjectID}
	existing, ok := s.definitions[key]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "workflow definition %q", def.Name)
	}
	existing.Definition = def.Definition
	existing.Version++
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// GetWorkflowDefinition looks up a definition by identity.
func (s *MemoryStore) GetWorkflowDefinition(ctx context.Context, name, namespace, projectID string) (*models.WorkflowDefinition, error) {
	s.defMu.RLock()
	defer s.defMu.RUnlock()

	def, ok := s.definitions[defKey{name, namespace, projectID}]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "workflow definition %q in namespace %q", name, namespace)
	}
	return clone(def), nil
}

// ListWorkflowDefinitions returns all definitions in a namespace.
func (s *MemoryStore) ListWorkflowDefinitions(ctx context.Context, namespace, projectID string) ([]*models.WorkflowDefinition, error) {
	s.defMu.RLock()
	defer s.defMu.RUnlock()

	defs := []*models.WorkflowDefinition{}
	for key, def := range s.definitions {
		if key.namespace == namespace && key.projectID == projectID {
			defs = append(defs, clone(def))
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// DeleteWorkflowDefinition removes a definition.
func (s *MemoryStore) DeleteWorkflowDefinition(ctx context.Context, name, namespace, projectID string) error {
	s.defMu.Lock()
	defer s.defMu.Unlock()

	key := defKey{name, namespace, projectID}
	if _, ok := s.definitions[key]; !ok {
		return errors.Wrapf(models.ErrNotFound, "workflow definition %q", name)
	}
	delete(s.definitions, key)
	return nil
}

// --- workflow executions ---

// CreateWorkflowExecution inserts an execution row under tx.
func (s *MemoryStore) CreateWorkflowExecution(ctx context.Context, tx Tx, wx *models.WorkflowExecution) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	if wx.ID == uuid.Nil {
		wx.ID = uuid.New()
	}
	if _, exists := s.workflows[wx.ID]; exists {
		return errors.Wrapf(models.ErrDuplicate, "workflow execution %s", wx.ID)
	}
	now := time.Now().UTC()
	wx.CreatedAt = now
	wx.UpdatedAt = now
	if wx.State == "" {
		wx.State = models.StateIdle
	}
	id := wx.ID
	s.workflows[id] = clone(wx)
	mt.undo = append(mt.undo, func() { delete(s.workflows, id) })
	return nil
}

// GetWorkflowExecution reads an execution snapshot.
func (s *MemoryStore) GetWorkflowExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getWorkflowLocked(id)
}

func (s *MemoryStore) getWorkflowLocked(id uuid.UUID) (*models.WorkflowExecution, error) {
	wx, ok := s.workflows[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "workflow execution %s", id)
	}
	return clone(wx), nil
}

// GetWorkflowExecutionForUpdate reads an execution under tx; the store lock
// held by the transaction is the row lock.
func (s *MemoryStore) GetWorkflowExecutionForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*models.WorkflowExecution, error) {
	if _, err := s.txOf(tx); err != nil {
		return nil, err
	}
	return s.getWorkflowLocked(id)
}

// UpdateWorkflowExecution persists mutable fields with transition
// validation.
func (s *MemoryStore) UpdateWorkflowExecution(ctx context.Context, tx Tx, wx *models.WorkflowExecution) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	existing, ok := s.workflows[wx.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "workflow execution %s", wx.ID)
	}
	if !models.IsValidTransition(existing.State, wx.State) {
		return errors.Wrapf(models.ErrInvalidStateTransition, "workflow execution %s: %s -> %s", wx.ID, existing.State, wx.State)
	}
	id := wx.ID
	prev := existing
	mt.undo = append(mt.undo, func() { s.workflows[id] = prev })

	updated := clone(wx)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.workflows[id] = updated
	wx.UpdatedAt = updated.UpdatedAt
	return nil
}

// ResetWorkflowExecution replaces the row without transition validation.
func (s *MemoryStore) ResetWorkflowExecution(ctx context.Context, tx Tx, wx *models.WorkflowExecution) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	existing, ok := s.workflows[wx.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "workflow execution %s", wx.ID)
	}
	id := wx.ID
	prev := existing
	mt.undo = append(mt.undo, func() { s.workflows[id] = prev })

	updated := clone(wx)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.workflows[id] = updated
	wx.UpdatedAt = updated.UpdatedAt
	return nil
}

// DeleteWorkflowExecution removes the execution and cascades to owned rows.
func (s *MemoryStore) DeleteWorkflowExecution(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteWorkflowLocked(id)
}

func (s *MemoryStore) deleteWorkflowLocked(id uuid.UUID) error {
	if _, ok := s.workflows[id]; !ok {
		return errors.Wrapf(models.ErrNotFound, "workflow execution %s", id)
	}
	for taskID, task := range s.tasks {
		if task.WorkflowExecutionID != id {
			continue
		}
		for actionID, action := range s.actions {
			if action.TaskExecutionID == taskID {
				delete(s.actions, actionID)
			}
		}
		for childID, child := range s.workflows {
			if child.ParentTaskID != nil && *child.ParentTaskID == taskID {
				_ = s.deleteWorkflowLocked(childID)
			}
		}
		delete(s.tasks, taskID)
	}
	for callID, call := range s.delayed {
		if call.WorkflowExecutionID == id {
			delete(s.delayed, callID)
		}
	}
	delete(s.workflows, id)
	return nil
}

// GetChildWorkflowExecution finds the sub-workflow spawned by a task.
func (s *MemoryStore) GetChildWorkflowExecution(ctx context.Context, tx Tx, parentTaskID uuid.UUID) (*models.WorkflowExecution, error) {
	if _, err := s.txOf(tx); err != nil {
		return nil, err
	}
	for _, wx := range s.workflows {
		if wx.ParentTaskID != nil && *wx.ParentTaskID == parentTaskID {
			return clone(wx), nil
		}
	}
	return nil, errors.Wrapf(models.ErrNotFound, "child workflow of task %s", parentTaskID)
}

// --- task executions ---

// CreateTaskExecution inserts a task row under tx.
func (s *MemoryStore) CreateTaskExecution(ctx context.Context, tx Tx, task *models.TaskExecution) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	for _, existing := range s.tasks {
		if existing.WorkflowExecutionID == task.WorkflowExecutionID && existing.Name == task.Name {
			return errors.Wrapf(models.ErrDuplicate, "task execution %q", task.Name)
		}
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
	id := task.ID
	s.tasks[id] = clone(task)
	mt.undo = append(mt.undo, func() { delete(s.tasks, id) })
	return nil
}

// GetTaskExecution reads a task snapshot without a transaction.
func (s *MemoryStore) GetTaskExecution(ctx context.Context, id uuid.UUID) (*models.TaskExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "task execution %s", id)
	}
	return clone(task), nil
}

// GetTaskExecutionForUpdate reads a task under tx.
func (s *MemoryStore) GetTaskExecutionForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*models.TaskExecution, error) {
	if _, err := s.txOf(tx); err != nil {
		return nil, err
	}
	task, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "task execution %s", id)
	}
	return clone(task), nil
}

// GetTaskExecutionByName finds a task of an execution by task name.
func (s *MemoryStore) GetTaskExecutionByName(ctx context.Context, tx Tx, workflowExecutionID uuid.UUID, name string) (*models.TaskExecution, error) {
	if _, err := s.txOf(tx); err != nil {
		return nil, err
	}
	for _, task := range s.tasks {
		if task.WorkflowExecutionID == workflowExecutionID && task.Name == name {
			return clone(task), nil
		}
	}
	return nil, errors.Wrapf(models.ErrNotFound, "task execution %q", name)
}

// ListTaskExecutions returns every task of an execution in creation order.
func (s *MemoryStore) ListTaskExecutions(ctx context.Context, tx Tx, workflowExecutionID uuid.UUID) ([]*models.TaskExecution, error) {
	if tx != nil {
		if _, err := s.txOf(tx); err != nil {
			return nil, err
		}
		return s.listTasksLocked(workflowExecutionID), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTasksLocked(workflowExecutionID), nil
}

func (s *MemoryStore) listTasksLocked(workflowExecutionID uuid.UUID) []*models.TaskExecution {
	tasks := []*models.TaskExecution{}
	for _, task := range s.tasks {
		if task.WorkflowExecutionID == workflowExecutionID {
			tasks = append(tasks, clone(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID.String() < tasks[j].ID.String()
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// UpdateTaskExecution persists mutable fields with transition validation.
func (s *MemoryStore) UpdateTaskExecution(ctx context.Context, tx Tx, task *models.TaskExecution) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	existing, ok := s.tasks[task.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "task execution %s", task.ID)
	}
	if !models.IsValidTransition(existing.State, task.State) {
		return errors.Wrapf(models.ErrInvalidStateTransition, "task execution %s (%s): %s -> %s", task.ID, task.Name, existing.State, task.State)
	}
	id := task.ID
	prev := existing
	mt.undo = append(mt.undo, func() { s.tasks[id] = prev })

	updated := clone(task)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.tasks[id] = updated
	task.UpdatedAt = updated.UpdatedAt
	return nil
}

// ResetTaskExecution replaces the row without transition validation.
func (s *MemoryStore) ResetTaskExecution(ctx context.Context, tx Tx, task *models.TaskExecution) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	existing, ok := s.tasks[task.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "task execution %s", task.ID)
	}
	id := task.ID
	prev := existing
	mt.undo = append(mt.undo, func() { s.tasks[id] = prev })

	updated := clone(task)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.tasks[id] = updated
	task.UpdatedAt = updated.UpdatedAt
	return nil
}

// DeleteTaskExecution removes a task row and its owned rows.
func (s *MemoryStore) DeleteTaskExecution(ctx context.Context, tx Tx, id uuid.UUID) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	existing, ok := s.tasks[id]
	if !ok {
		return nil
	}
	prev := existing
	mt.undo = append(mt.undo, func() { s.tasks[id] = prev })
	for actionID, action := range s.actions {
		if action.TaskExecutionID == id {
			prevAction := action
			prevID := actionID
			mt.undo = append(mt.undo, func() { s.actions[prevID] = prevAction })
			delete(s.actions, actionID)
		}
	}
	for callID, call := range s.delayed {
		if call.TaskExecutionID != nil && *call.TaskExecutionID == id {
			prevCall := call
			prevID := callID
			mt.undo = append(mt.undo, func() { s.delayed[prevID] = prevCall })
			delete(s.delayed, callID)
		}
	}
	delete(s.tasks, id)
	return nil
}

// --- action executions ---

// CreateActionExecution inserts an action row under tx.
func (s *MemoryStore) CreateActionExecution(ctx context.Context, tx Tx, action *models.ActionExecution) error {
	mt, err := s.txOf(tx)
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
	id := action.ID
	s.actions[id] = clone(action)
	mt.undo = append(mt.undo, func() { delete(s.actions, id) })
	return nil
}

// GetActionExecution reads an action snapshot without a transaction.
func (s *MemoryStore) GetActionExecution(ctx context.Context, id uuid.UUID) (*models.ActionExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.actions[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "action execution %s", id)
	}
	return clone(action), nil
}

// GetActionExecutionForUpdate reads an action under tx.
func (s *MemoryStore) GetActionExecutionForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*models.ActionExecution, error) {
	if _, err := s.txOf(tx); err != nil {
		return nil, err
	}
	action, ok := s.actions[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "action execution %s", id)
	}
	return clone(action), nil
}

// UpdateActionExecution persists an action's result with transition
// validation.
func (s *MemoryStore) UpdateActionExecution(ctx context.Context, tx Tx, action *models.ActionExecution) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	existing, ok := s.actions[action.ID]
	if !ok {
		return errors.Wrapf(models.ErrNotFound, "action execution %s", action.ID)
	}
	if !models.IsValidTransition(existing.State, action.State) {
		return errors.Wrapf(models.ErrInvalidStateTransition, "action execution %s: %s -> %s", action.ID, existing.State, action.State)
	}
	id := action.ID
	prev := existing
	mt.undo = append(mt.undo, func() { s.actions[id] = prev })

	updated := clone(action)
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.actions[id] = updated
	return nil
}

// ListActionExecutions returns every action of a task ordered by attempt
// and item index.
func (s *MemoryStore) ListActionExecutions(ctx context.Context, tx Tx, taskExecutionID uuid.UUID) ([]*models.ActionExecution, error) {
	if tx != nil {
		if _, err := s.txOf(tx); err != nil {
			return nil, err
		}
		return s.listActionsLocked(taskExecutionID), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listActionsLocked(taskExecutionID), nil
}

func (s *MemoryStore) listActionsLocked(taskExecutionID uuid.UUID) []*models.ActionExecution {
	actions := []*models.ActionExecution{}
	for _, action := range s.actions {
		if action.TaskExecutionID == taskExecutionID {
			actions = append(actions, clone(action))
		}
	}
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Attempt != actions[j].Attempt {
			return actions[i].Attempt < actions[j].Attempt
		}
		if actions[i].ItemIndex != actions[j].ItemIndex {
			return actions[i].ItemIndex < actions[j].ItemIndex
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
	return actions
}

// --- delayed calls ---

// CreateDelayedCall enqueues a timer under tx.
func (s *MemoryStore) CreateDelayedCall(ctx context.Context, tx Tx, call *models.DelayedCall) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	call.CreatedAt = time.Now().UTC()
	id := call.ID
	s.delayed[id] = clone(call)
	mt.undo = append(mt.undo, func() { delete(s.delayed, id) })
	return nil
}

// FindReadyDelayed returns due timers, oldest deadline first.
func (s *MemoryStore) FindReadyDelayed(ctx context.Context, now time.Time, limit int) ([]*models.DelayedCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := []*models.DelayedCall{}
	for _, call := range s.delayed {
		if !call.DeadlineAt.After(now) {
			calls = append(calls, clone(call))
		}
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].DeadlineAt.Before(calls[j].DeadlineAt) })
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}

// DeleteDelayedCall consumes a timer; false means it was already consumed.
func (s *MemoryStore) DeleteDelayedCall(ctx context.Context, tx Tx, id uuid.UUID) (bool, error) {
	mt, err := s.txOf(tx)
	if err != nil {
		return false, err
	}
	call, ok := s.delayed[id]
	if !ok {
		return false, nil
	}
	prev := call
	mt.undo = append(mt.undo, func() { s.delayed[id] = prev })
	delete(s.delayed, id)
	return true, nil
}

// DeleteDelayedCallsForTask drops a task's outstanding timers.
func (s *MemoryStore) DeleteDelayedCallsForTask(ctx context.Context, tx Tx, taskExecutionID uuid.UUID, kinds ...models.DelayKind) error {
	mt, err := s.txOf(tx)
	if err != nil {
		return err
	}
	match := func(kind models.DelayKind) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, k := range kinds {
			if k == kind {
				return true
			}
		}
		return false
	}
	for callID, call := range s.delayed {
		if call.TaskExecutionID != nil && *call.TaskExecutionID == taskExecutionID && match(call.Kind) {
			prev := call
			prevID := callID
			mt.undo = append(mt.undo, func() { s.delayed[prevID] = prev })
			delete(s.delayed, callID)
		}
	}
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
