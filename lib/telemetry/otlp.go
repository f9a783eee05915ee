package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// Exporter is the OTLP collector one signal is sent to, a signal with no
// endpoint is not exported at all.
type Exporter struct {
	// Protocol defaults to http.
	Protocol Protocol          `json:"protocol"`
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers"`
}

func (e Exporter) Enabled() bool {
	return e.Endpoint != ""
}

func (e Exporter) protocol() Protocol {
	if e.Protocol == "" {
		return ProtocolHTTP
	}
	return e.Protocol
}

func (e Exporter) validate(signal string) error {
	if !e.Enabled() {
		return nil
	}
	switch e.protocol() {
	case ProtocolHTTP, ProtocolGRPC:
	default:
		return fmt.Errorf("telemetry: %s: unknown protocol %q", signal, e.Protocol)
	}
	u, err := url.Parse(e.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("telemetry: %s: endpoint %q is not an absolute url", signal, e.Endpoint)
	}
	return nil
}

// Resource attributes describing how the session of a process is set up.
const (
	AttrInitialStrategy = attribute.Key("finclient.session.initial_strategy")
	AttrIdentity        = attribute.Key("finclient.session.identity")
	AttrRateLimitPreset = attribute.Key("finclient.session.rate_limit_preset")
)

func newResource(serviceName string, attrs ...attribute.KeyValue) (*resource.Resource, error) {
	attrs = append([]attribute.KeyValue{semconv.ServiceName(serviceName)}, attrs...)
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
}

func spanExporter(ctx context.Context, e Exporter) (sdktrace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()

	slog.Info(
		"exporting traces",
		"protocol", e.protocol(),
		"endpoint", e.Endpoint,
		"headers", len(e.Headers) > 0,
	)
	if e.protocol() == ProtocolGRPC {
		return otlptracegrpc.New(
			ctx,
			otlptracegrpc.WithEndpointURL(e.Endpoint),
			otlptracegrpc.WithHeaders(e.Headers),
		)
	}
	return otlptracehttp.New(
		ctx,
		otlptracehttp.WithEndpointURL(e.Endpoint),
		otlptracehttp.WithHeaders(e.Headers),
	)
}

func metricExporter(ctx context.Context, e Exporter) (sdkmetric.Exporter, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()

	slog.Info(
		"exporting metrics",
		"protocol", e.protocol(),
		"endpoint", e.Endpoint,
		"headers", len(e.Headers) > 0,
	)
	if e.protocol() == ProtocolGRPC {
		return otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpointURL(e.Endpoint),
			otlpmetricgrpc.WithHeaders(e.Headers),
		)
	}
	return otlpmetrichttp.New(
		ctx,
		otlpmetrichttp.WithEndpointURL(e.Endpoint),
		otlpmetrichttp.WithHeaders(e.Headers),
	)
}

func newTracerProvider(ctx context.Context, r *resource.Resource, config Config) (*sdktrace.TracerProvider, error) {
	exporter, err := spanExporter(ctx, config.Traces)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(config.sampler()),
	), nil
}

func newMeterProvider(ctx context.Context, r *resource.Resource, config Config) (*sdkmetric.MeterProvider, error) {
	exporter, err := metricExporter(ctx, config.Metrics)
	if err != nil {
		return nil, err
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(config.metricInterval()))
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(r),
	), nil
}
