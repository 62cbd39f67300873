package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/observability"
)

func TestNoopLogger(t *testing.T) {
	logger := observability.NewNoopLogger()
	require.NotNil(t, logger)

	logger.Debug("msg", nil)
	logger.Info("msg", map[string]interface{}{"k": "v"})
	logger.Warn("msg", nil)
	logger.Error("msg", nil)
	assert.Equal(t, logger, logger.WithPrefix("engine"))
	assert.Equal(t, logger, logger.With(map[string]interface{}{"k": "v"}))
}

func TestNoopMetricsClient(t *testing.T) {
	metrics := observability.NewNoopMetricsClient()
	require.NotNil(t, metrics)

	metrics.IncrementCounter("events", 1)
	metrics.IncrementCounterWithLabels("events", 1, map[string]string{"type": "start"})
	metrics.RecordGauge("queue_depth", 3, nil)
	metrics.RecordDuration("event_duration", time.Millisecond)
	assert.NoError(t, metrics.Close())
}

func TestNoopStartSpan(t *testing.T) {
	ctx, span := observability.NoopStartSpan(context.Background(), "test")
	require.NotNil(t, span)
	assert.Equal(t, context.Background(), ctx)

	span.SetAttribute("k", "v")
	span.RecordError(nil)
	span.End()
}
