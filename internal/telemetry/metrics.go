package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/mtls"
)

// Metrics holds the OpenTelemetry instruments for certificate requests
type Metrics struct {
	RequestsTotal       metric.Int64Counter
	RequestErrorsTotal  metric.Int64Counter
	StageDuration       metric.Float64Histogram
	KeysGeneratedTotal  metric.Int64Counter
	KeysDecryptedTotal  metric.Int64Counter
	ResponseStatusTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
// Call after InitTelemetry so instruments bind to the configured provider.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.RequestsTotal, _ = meter.Int64Counter(
		"mtls.requests.total",
		metric.WithDescription("Total number of certificate request attempts"),
		metric.WithUnit("{request}"),
	)

	m.RequestErrorsTotal, _ = meter.Int64Counter(
		"mtls.requests.errors.total",
		metric.WithDescription("Total number of failed certificate requests by stage"),
		metric.WithUnit("{error}"),
	)

	m.StageDuration, _ = meter.Float64Histogram(
		"mtls.stage.duration",
		metric.WithDescription("Duration of each pipeline stage"),
		metric.WithUnit("ms"),
	)

	m.KeysGeneratedTotal, _ = meter.Int64Counter(
		"mtls.keys.generated.total",
		metric.WithDescription("Total number of user keys generated and sealed"),
		metric.WithUnit("{key}"),
	)

	m.KeysDecryptedTotal, _ = meter.Int64Counter(
		"mtls.keys.decrypted.total",
		metric.WithDescription("Total number of sealed user keys opened"),
		metric.WithUnit("{key}"),
	)

	m.ResponseStatusTotal, _ = meter.Int64Counter(
		"mtls.responses.total",
		metric.WithDescription("Total number of CA responses by HTTP status"),
		metric.WithUnit("{response}"),
	)

	return m
}
