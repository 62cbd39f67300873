package delay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/delay"
	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/store"
)

type recordingHandler struct {
	mu    sync.Mutex
	calls []*models.DelayedCall
	err   error
}

func (h *recordingHandler) OnTimer(ctx context.Context, call *models.DelayedCall) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.calls = append(h.calls, call)
	return nil
}

func (h *recordingHandler) seen() []*models.DelayedCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*models.DelayedCall{}, h.calls...)
}

func enqueue(t *testing.T, st *store.MemoryStore, deadline time.Time, kind models.DelayKind) *models.DelayedCall {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	wx := &models.WorkflowExecution{WorkflowName: "wf", State: models.StateRunning}
	require.NoError(t, st.CreateWorkflowExecution(ctx, tx, wx))
	call := &models.DelayedCall{
		WorkflowExecutionID: wx.ID,
		Kind:                kind,
		DeadlineAt:          deadline,
	}
	require.NoError(t, st.CreateDelayedCall(ctx, tx, call))
	require.NoError(t, tx.Commit())
	return call
}

func TestPoll_FiresDueCallsOnly(t *testing.T) {
	st := store.NewMemoryStore()
	handler := &recordingHandler{}
	worker := delay.NewWorker(st, handler, delay.DefaultConfig(), nil, nil)

	due := enqueue(t, st, time.Now().Add(-time.Second), models.DelayRetry)
	enqueue(t, st, time.Now().Add(time.Hour), models.DelayTimeout)

	worker.Poll(context.Background())

	seen := handler.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, due.ID, seen[0].ID)
	assert.Equal(t, models.DelayRetry, seen[0].Kind)
}

func TestPoll_HandlerErrorDoesNotStopBatch(t *testing.T) {
	st := store.NewMemoryStore()
	handler := &recordingHandler{err: errors.New("handler broke")}
	worker := delay.NewWorker(st, handler, delay.DefaultConfig(), nil, nil)

	enqueue(t, st, time.Now().Add(-time.Second), models.DelayRetry)

	// Must not panic or abort; the call stays queued for the next poll.
	worker.Poll(context.Background())
	assert.Empty(t, handler.seen())

	handler.mu.Lock()
	handler.err = nil
	handler.mu.Unlock()
	worker.Poll(context.Background())
	assert.Len(t, handler.seen(), 1)
}

func TestWorker_StartStop(t *testing.T) {
	st := store.NewMemoryStore()
	handler := &recordingHandler{}
	worker := delay.NewWorker(st, handler, delay.Config{Interval: 10 * time.Millisecond}, nil, nil)

	enqueue(t, st, time.Now().Add(-time.Second), models.DelayWaitBefore)

	worker.Start(context.Background())
	require.Eventually(t, func() bool { return len(handler.seen()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	worker.Stop()
}
