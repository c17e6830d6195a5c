// Package observe provides application-wide observability primitives for the
// relay: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([Default]) is provided for convenience; tests should
// use [NewMetrics] with a private [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/shamspias/whatsapp-voice-gpt"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end turn handling latency, from webhook
	// dispatch to terminal reply. Use with attribute:
	//   attribute.String("classification", "chat"|"reset"|"help")
	TurnDuration metric.Float64Histogram

	// CompletionDuration tracks language-completion collaborator latency.
	CompletionDuration metric.Float64Histogram

	// TranscriptionDuration tracks voice transcription latency.
	TranscriptionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts handled turns. Use with attributes:
	//   attribute.String("classification", ...), attribute.String("outcome", "ok"|"failed")
	Turns metric.Int64Counter

	// CompletionErrors counts failed completion calls. Use with attribute:
	//   attribute.Bool("transient", ...)
	CompletionErrors metric.Int64Counter

	// DeliveryErrors counts failed outbound message operations. Use with
	// attribute: attribute.String("operation", "placeholder"|"final"|"delete")
	DeliveryErrors metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of completion jobs waiting in the queue.
	QueueDepth metric.Int64UpDownCounter

	// InFlightJobs tracks completion jobs currently executing.
	InFlightJobs metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// remote-model latencies: sub-second sends up to multi-second completions.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("sonic.turn.duration",
		metric.WithDescription("End-to-end latency of one inbound turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CompletionDuration, err = m.Float64Histogram("sonic.completion.duration",
		metric.WithDescription("Latency of the language-completion collaborator."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("sonic.transcription.duration",
		metric.WithDescription("Latency of voice transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("sonic.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("sonic.turns",
		metric.WithDescription("Handled turns by classification and outcome."),
	); err != nil {
		return nil, err
	}
	if met.CompletionErrors, err = m.Int64Counter("sonic.completion.errors",
		metric.WithDescription("Failed completion calls."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryErrors, err = m.Int64Counter("sonic.delivery.errors",
		metric.WithDescription("Failed outbound message operations."),
	); err != nil {
		return nil, err
	}

	if met.QueueDepth, err = m.Int64UpDownCounter("sonic.worker.queue_depth",
		metric.WithDescription("Completion jobs waiting in the queue."),
	); err != nil {
		return nil, err
	}
	if met.InFlightJobs, err = m.Int64UpDownCounter("sonic.worker.in_flight",
		metric.WithDescription("Completion jobs currently executing."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide [Metrics] instance, created lazily from
// the global OTel meter provider. Call [InitProvider] first so the global
// provider is the real one; otherwise instruments are no-ops.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names, which would
			// be a programming error caught by tests.
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
