package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// NoopLogger discards all messages.
type NoopLogger struct{}

// NewNoopLogger creates a logger that discards everything
func NewNoopLogger() Logger { return &NoopLogger{} }

// Debug is a no-op implementation
func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}

// Info is a no-op implementation
func (l *NoopLogger) Info(msg string, fields map[string]interface{}) {}

// Warn is a no-op implementation
func (l *NoopLogger) Warn(msg string, fields map[string]interface{}) {}

// Error is a no-op implementation
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}

// WithPrefix is a no-op implementation
func (l *NoopLogger) WithPrefix(prefix string) Logger { return l }

// With is a no-op implementation
func (l *NoopLogger) With(fields map[string]interface{}) Logger { return l }

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient { return &NoopMetrics{} }

// IncrementCounter is a no-op implementation
func (m *NoopMetrics) IncrementCounter(name string, value float64) {}

// IncrementCounterWithLabels is a no-op implementation
func (m *NoopMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

// RecordGauge is a no-op implementation
func (m *NoopMetrics) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordDuration is a no-op implementation
func (m *NoopMetrics) RecordDuration(name string, duration time.Duration) {}

// Close is a no-op implementation
func (m *NoopMetrics) Close() error { return nil }

// NoopSpan is a no-op implementation of the Span interface
type NoopSpan struct{}

// End is a no-op implementation
func (s *NoopSpan) End() {}

// SetAttribute is a no-op implementation
func (s *NoopSpan) SetAttribute(key string, value interface{}) {}

// RecordError is a no-op implementation
func (s *NoopSpan) RecordError(err error) {}

// NoopStartSpan is a no-op implementation of StartSpanFunc
func NoopStartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
	return ctx, &NoopSpan{}
}
