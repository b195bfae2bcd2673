package observe

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the configured backends. They show up
// as labels on the target_info series of the scrape endpoint.
const (
	ResourceLLMProvider   = "dundra.llm.provider"
	ResourceSTTProvider   = "dundra.stt.provider"
	ResourceStorageDriver = "dundra.storage.driver"
)

// TelemetryConfig describes the running service to the telemetry backends.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string

	// LLMProvider, STTProvider and StorageDriver name the configured
	// backends. Empty values are left out of the resource.
	LLMProvider   string
	STTProvider   string
	StorageDriver string

	// TraceExporter receives finished spans. Spans are recorded but dropped
	// when it is nil.
	TraceExporter sdktrace.SpanExporter

	// SetGlobal registers the providers as the OTel globals so
	// [DefaultMetrics] and [StartSpan] use them.
	SetGlobal bool
}

// Telemetry owns the meter and tracer providers of one process and the
// Prometheus registry the meter provider exports to.
type Telemetry struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider

	registry *prometheus.Registry
}

// Setup builds the providers for cfg. Metrics are exported to a private
// Prometheus registry that also carries the Go runtime and process
// collectors; serve it with [Telemetry.MetricsHandler].
func Setup(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dundra"
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	for key, value := range map[string]string{
		ResourceLLMProvider:   cfg.LLMProvider,
		ResourceSTTProvider:   cfg.STTProvider,
		ResourceStorageDriver: cfg.StorageDriver,
	} {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	// Schemaless so the merge keeps the SDK default schema URL.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	if err := errors.Join(
		registry.Register(collectors.NewGoCollector()),
		registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
	); err != nil {
		return nil, err
	}
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}

	t := &Telemetry{
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter)),
		TracerProvider: sdktrace.NewTracerProvider(tpOpts...),
		registry:       registry,
	}
	if cfg.SetGlobal {
		otel.SetMeterProvider(t.MeterProvider)
		otel.SetTracerProvider(t.TracerProvider)
	}
	return t, nil
}

// MetricsHandler serves the registry in the Prometheus text format.
func (t *Telemetry) MetricsHandler() http.Handler {
	return MetricsHandler(t.registry)
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.TracerProvider.Shutdown(ctx),
		t.MeterProvider.Shutdown(ctx),
	)
}

// MetricsHandler serves g, or the default Prometheus registry when g is nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
