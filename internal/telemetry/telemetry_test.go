package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestInitTelemetry_unreachableCollector(t *testing.T) {
	// nothing listens on port 1
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:1")
	t.Cleanup(func() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
	})

	ctx := context.Background()

	shutdown, err := InitTelemetry(ctx, "mtls-test", "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, span := otel.Tracer("mtls-test").Start(ctx, "issue")
	span.End()

	counter, err := otel.Meter("mtls-test").Int64Counter("mtls.test.total")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	started := time.Now()
	// the export may fail, shutdown must still return once the deadline passes
	_ = shutdown(shutdownCtx)
	assert.Less(t, time.Since(started), 10*time.Second)
}
