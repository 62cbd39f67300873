package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cascadehq/cascade/pkg/observability"
)

// HTTPRunnerConfig tunes the HTTP action runner.
type HTTPRunnerConfig struct {
	RequestTimeout   time.Duration
	RatePerSecond    float64
	RateBurst        int
	BreakerFailures  uint32
	BreakerResetTime time.Duration
	MaxBodyBytes     int64
}

// DefaultHTTPRunnerConfig returns production defaults.
func DefaultHTTPRunnerConfig() HTTPRunnerConfig {
	return HTTPRunnerConfig{
		RequestTimeout:   30 * time.Second,
		RatePerSecond:    50,
		RateBurst:        100,
		BreakerFailures:  5,
		BreakerResetTime: 30 * time.Second,
		MaxBodyBytes:     4 << 20,
	}
}

// HTTPRunner executes http actions asynchronously: Run returns an
// incomplete receipt and the response is delivered through the engine
// callback. Requests pass a rate limiter and a circuit breaker; Cancel
// aborts the in-flight request via its context.
type HTTPRunner struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	deliver DeliverFunc
	logger  observability.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc

	maxBodyBytes int64
}

// NewHTTPRunner creates an HTTP runner delivering results through deliver.
func NewHTTPRunner(cfg HTTPRunnerConfig, deliver DeliverFunc, logger observability.Logger) *HTTPRunner {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "http_action_runner",
		Timeout: cfg.BreakerResetTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
	})
	return &HTTPRunner{
		client:       &http.Client{Timeout: cfg.RequestTimeout},
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		breaker:      breaker,
		deliver:      deliver,
		logger:       logger,
		cancels:      map[uuid.UUID]context.CancelFunc{},
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

type httpResult struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    interface{}       `json:"body"`
}

// Run starts the request in the background and returns an incomplete
// receipt. The input keys are url, method, headers and body.
func (r *HTTPRunner) Run(ctx context.Context, actionExecID uuid.UUID, actionRef string, input map[string]interface{}) (*Receipt, error) {
	url, _ := input["url"].(string)
	if url == "" {
		return &Receipt{Completed: true, Success: false, Error: "http action requires 'url' input"}, nil
	}
	method, _ := input["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[actionExecID] = cancel
	r.mu.Unlock()

	go r.execute(reqCtx, actionExecID, method, url, input)

	return &Receipt{Completed: false}, nil
}

func (r *HTTPRunner) execute(ctx context.Context, actionExecID uuid.UUID, method, url string, input map[string]interface{}) {
	defer func() {
		r.mu.Lock()
		delete(r.cancels, actionExecID)
		r.mu.Unlock()
	}()

	fail := func(reason string) {
		if err := r.deliver(context.Background(), actionExecID, false, nil, reason); err != nil {
			r.logger.Error("Failed to deliver http action error", map[string]interface{}{
				"action_exec_id": actionExecID,
				"error":          err.Error(),
			})
		}
	}

	if err := r.limiter.Wait(ctx); err != nil {
		fail(fmt.Sprintf("rate limit wait: %v", err))
		return
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if raw, ok := input["body"]; ok && raw != nil {
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		if headers, ok := input["headers"].(map[string]interface{}); ok {
			for k, v := range headers {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBodyBytes))
		if err != nil {
			return nil, err
		}
		var parsed interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			parsed = string(data)
		}
		headers := map[string]string{}
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		return &httpResult{Status: resp.StatusCode, Headers: headers, Body: parsed}, nil
	})
	if err != nil {
		fail(err.Error())
		return
	}

	res := result.(*httpResult)
	success := res.Status < 500
	errorInfo := ""
	if !success {
		errorInfo = fmt.Sprintf("http action returned status %d", res.Status)
	}
	if err := r.deliver(context.Background(), actionExecID, success, res, errorInfo); err != nil {
		r.logger.Error("Failed to deliver http action result", map[string]interface{}{
			"action_exec_id": actionExecID,
			"error":          err.Error(),
		})
	}
}

// Cancel aborts an in-flight request; unknown ids are fine.
func (r *HTTPRunner) Cancel(ctx context.Context, actionExecID uuid.UUID) error {
	r.mu.Lock()
	cancel, ok := r.cancels[actionExecID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// MuxRunner routes action references to runners by exact name, falling back
// to a default runner. The engine sees one Runner.
type MuxRunner struct {
	byName   map[string]Runner
	fallback Runner
}

// NewMuxRunner creates a router with fallback as the default runner.
func NewMuxRunner(fallback Runner) *MuxRunner {
	return &MuxRunner{byName: map[string]Runner{}, fallback: fallback}
}

// Route sends actionRef to the given runner.
func (m *MuxRunner) Route(actionRef string, runner Runner) {
	m.byName[actionRef] = runner
}

func (m *MuxRunner) runnerFor(actionRef string) Runner {
	if r, ok := m.byName[actionRef]; ok {
		return r
	}
	return m.fallback
}

// Run implements Runner.
func (m *MuxRunner) Run(ctx context.Context, actionExecID uuid.UUID, actionRef string, input map[string]interface{}) (*Receipt, error) {
	return m.runnerFor(actionRef).Run(ctx, actionExecID, actionRef, input)
}

// Cancel implements Runner; cancellation fans out to every routed runner
// because the action reference is not known at cancel time.
func (m *MuxRunner) Cancel(ctx context.Context, actionExecID uuid.UUID) error {
	var firstErr error
	seen := map[Runner]bool{}
	for _, r := range m.byName {
		if !seen[r] {
			seen[r] = true
			if err := r.Cancel(ctx, actionExecID); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if m.fallback != nil && !seen[m.fallback] {
		if err := m.fallback.Cancel(ctx, actionExecID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
