// Package observe provides application-wide observability primitives for
// dundra: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup] bridges
// them to a Prometheus registry served on /metrics. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dundra metrics.
const meterName = "github.com/MrWong99/dundra"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// AnalysisDuration tracks analysis capability latency. Use with attribute:
	//   attribute.String("mode", "batch"|"realtime")
	AnalysisDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AnalysisRequests counts analysis calls. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", "ok"|"provider_error"|"parse_error")
	AnalysisRequests metric.Int64Counter

	// Transcripts counts transcription results relayed to clients. Use with
	// attribute: attribute.Bool("final", ...)
	Transcripts metric.Int64Counter

	// StreamRestarts counts speech stream restarts. Use with attribute:
	//   attribute.String("outcome", "restarted"|"failed"|"exhausted")
	StreamRestarts metric.Int64Counter

	// BatchFlushes counts batch scheduler flushes. Use with attribute:
	//   attribute.String("reason", "threshold"|"idle"|"manual")
	BatchFlushes metric.Int64Counter

	// FanoutDropped counts events dropped because a subscriber queue was full.
	FanoutDropped metric.Int64Counter

	// ContextsSwept counts game contexts removed by the age sweep.
	ContextsSwept metric.Int64Counter

	// BreakerTransitions counts provider circuit breaker state changes. Use
	// with attributes: attribute.String("provider", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of open speech streams.
	ActiveStreams metric.Int64UpDownCounter

	// ActiveConnections tracks the number of connected clients. Use with
	// attribute: attribute.String("transport", ...)
	ActiveConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// language-model calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AnalysisDuration, err = m.Float64Histogram("dundra.analysis.duration",
		metric.WithDescription("Latency of transcript analysis calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("dundra.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AnalysisRequests, err = m.Int64Counter("dundra.analysis.requests",
		metric.WithDescription("Total analysis calls by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("dundra.transcripts",
		metric.WithDescription("Total transcription results relayed to clients."),
	); err != nil {
		return nil, err
	}
	if met.StreamRestarts, err = m.Int64Counter("dundra.stream.restarts",
		metric.WithDescription("Speech stream restart attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BatchFlushes, err = m.Int64Counter("dundra.batch.flushes",
		metric.WithDescription("Batch scheduler flushes by reason."),
	); err != nil {
		return nil, err
	}
	if met.FanoutDropped, err = m.Int64Counter("dundra.fanout.dropped",
		metric.WithDescription("Events dropped for slow subscribers."),
	); err != nil {
		return nil, err
	}
	if met.ContextsSwept, err = m.Int64Counter("dundra.contexts.swept",
		metric.WithDescription("Game contexts removed by the age sweep."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("dundra.provider.breaker.transitions",
		metric.WithDescription("Provider circuit breaker state changes."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("dundra.active_streams",
		metric.WithDescription("Number of open speech recognition streams."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("dundra.active_connections",
		metric.WithDescription("Number of connected clients by transport."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAnalysis records one analysis call with its latency in seconds.
func (m *Metrics) RecordAnalysis(ctx context.Context, mode, status string, seconds float64) {
	m.AnalysisDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("mode", mode)))
	m.AnalysisRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordTranscript records one relayed transcription result.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
}

// RecordStreamRestart records a speech stream restart attempt outcome.
func (m *Metrics) RecordStreamRestart(ctx context.Context, outcome string) {
	m.StreamRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBreakerTransition records a provider circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("state", state),
	))
}

// RecordBatchFlush records a batch scheduler flush.
func (m *Metrics) RecordBatchFlush(ctx context.Context, reason string) {
	m.BatchFlushes.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
