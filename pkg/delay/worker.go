// Package delay runs the persistent timer queue: a background worker polls
// the store for due delayed calls and hands each to the engine as a
// timer_fired event. Precision is best effort; a call fires at or after its
// deadline, within one poll interval.
package delay

import (
	"context"
	"sync"
	"time"

	"github.com/cascadehq/cascade/pkg/models"
	"github.com/cascadehq/cascade/pkg/observability"
	"github.com/cascadehq/cascade/pkg/store"
)

// TimerHandler receives due delayed calls; the engine implements it. The
// handler owns consumption: a call stays queued until a handler's
// transaction deletes it, so redundant invocations are safe.
type TimerHandler interface {
	OnTimer(ctx context.Context, call *models.DelayedCall) error
}

// Config tunes the worker.
type Config struct {
	// Interval between polls.
	Interval time.Duration
	// BatchSize bounds how many due calls one poll processes.
	BatchSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Second,
		BatchSize: 100,
	}
}

// Worker polls the delayed-call queue. Multiple workers may share a store;
// the engine's timer consumption makes duplicate firings no-ops.
type Worker struct {
	store   store.ExecutionStore
	handler TimerHandler
	cfg     Config
	logger  observability.Logger
	metrics observability.MetricsClient

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWorker creates a delay worker; nil observability deps default to
// no-ops.
func NewWorker(st store.ExecutionStore, handler TimerHandler, cfg Config,
	logger observability.Logger, metrics observability.MetricsClient) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Worker{
		store:   st,
		handler: handler,
		cfg:     cfg,
		logger:  logger.WithPrefix("delay"),
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the poll loop; it returns immediately.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop halts the loop and waits for the in-flight poll to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("Delay worker started", map[string]interface{}{
		"interval":   w.cfg.Interval.String(),
		"batch_size": w.cfg.BatchSize,
	})
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll processes one batch of due calls. Exported so embedded runs and
// tests can drive time explicitly instead of waiting on the ticker.
func (w *Worker) Poll(ctx context.Context) {
	calls, err := w.store.FindReadyDelayed(ctx, time.Now().UTC(), w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("Failed to fetch due delayed calls", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	for _, call := range calls {
		if err := w.handler.OnTimer(ctx, call); err != nil {
			w.logger.Error("Timer handling failed", map[string]interface{}{
				"delayed_call_id": call.ID,
				"kind":            call.Kind,
				"execution_id":    call.WorkflowExecutionID,
				"error":           err.Error(),
			})
			continue
		}
		w.metrics.IncrementCounterWithLabels("delay_timers_fired", 1, map[string]string{
			"kind": string(call.Kind),
		})
	}
}
