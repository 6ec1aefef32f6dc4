package infrastructure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultOTelConfig(t *testing.T) {
	cfg := DefaultOTelConfig()

	assert.Equal(t, ServiceName, cfg.ServiceName)
	assert.Equal(t, ServiceVersion, cfg.ServiceVersion)
	assert.True(t, cfg.EnableTracing)
	assert.True(t, cfg.EnableMetrics)
	assert.Equal(t, 1.0, cfg.SampleRatio)
}

func TestInitializeOTel_Disabled(t *testing.T) {
	cfg := &OTelConfig{
		ServiceName:    "keygate-test",
		ServiceVersion: "test",
		Environment:    "test",
		TraceExporter:  "none",
		MetricExporter: "none",
		EnableTracing:  true,
		EnableMetrics:  true,
		SampleRatio:    1.0,
	}

	providers, err := InitializeOTel(cfg, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, providers)

	// Nothing was initialized, so shutdown has nothing to do
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestInitializeOTel_RejectsUnknownExporters(t *testing.T) {
	cfg := &OTelConfig{
		ServiceName:    "keygate-test",
		ServiceVersion: "test",
		Environment:    "test",
		TraceExporter:  "jaeger",
		MetricExporter: "none",
		EnableTracing:  true,
		SampleRatio:    1.0,
	}

	_, err := InitializeOTel(cfg, discardLogger())
	assert.Error(t, err)
}

func TestCreateBusinessMetrics(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	metrics, err := CreateBusinessMetrics(mp.Meter("keygate-test"))
	require.NoError(t, err)
	require.NotNil(t, metrics)

	assert.NotNil(t, metrics.HTTPRequestsTotal)
	assert.NotNil(t, metrics.IssueAttempts)
	assert.NotNil(t, metrics.IssueSuccesses)
	assert.NotNil(t, metrics.KeyCollisions)
	assert.NotNil(t, metrics.ActivationAttempts)
	assert.NotNil(t, metrics.ActivationDuration)
	assert.NotNil(t, metrics.ScanVerdicts)
	assert.NotNil(t, metrics.EmailDeliveries)
	assert.NotNil(t, metrics.StoreOperationDuration)
	assert.NotNil(t, metrics.WSClientsActive)

	// Recording must not panic
	ctx := context.Background()
	RecordStoreOperation(ctx, metrics, "insert_license", "memory", 5*time.Millisecond, nil)
	RecordStoreOperation(ctx, metrics, "insert_license", "memory", 5*time.Millisecond, errors.New("boom"))
	RecordScanVerdict(ctx, metrics, "clean", 12*time.Millisecond)
	RecordEmailDelivery(ctx, metrics, "sent", 40*time.Millisecond)
}

func TestRecordHelpers_NilMetricsAreNoops(t *testing.T) {
	ctx := context.Background()

	assert.NotPanics(t, func() {
		RecordStoreOperation(ctx, nil, "find_by_key", "postgres", time.Millisecond, nil)
		RecordScanVerdict(ctx, nil, "malicious", time.Millisecond)
		RecordEmailDelivery(ctx, nil, "failed", time.Millisecond)
	})
}

func TestTraceIDFromContext_EmptyWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))
}

func TestSpanHelpers_NoopWithoutRecordingSpan(t *testing.T) {
	ctx := context.Background()

	assert.NotPanics(t, func() {
		AddSpanEvent(ctx, "issue.denied", map[string]interface{}{
			"reason": "already_consumed",
			"count":  int64(1),
		})
		RecordError(ctx, errors.New("boom"))
		SetSpanAttributes(ctx, map[string]interface{}{"masked_key": "K7QX-****-AB3D"})
	})
}

func TestGenerateTraceID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateTraceID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
