// Package telemetry wires OpenTelemetry tracing and Prometheus run metrics.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracerName is the instrumentation name used for weightflow spans.
const TracerName = "github.com/weightflow/weightflow"

// OTLPConfig configures trace export over OTLP gRPC.
type OTLPConfig struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string

	// InsecureTLS dials the collector without TLS.
	InsecureTLS bool

	// SamplingRatio is the fraction of runs traced, clamped to [0, 1].
	SamplingRatio float64

	BatchTimeout  time.Duration
	ExportTimeout time.Duration

	// Attributes are added to the resource of every span, e.g. the job step.
	Attributes []attribute.KeyValue
}

// DefaultOTLPConfig returns the export settings used by the CLI.
func DefaultOTLPConfig(serviceName string) OTLPConfig {
	return OTLPConfig{
		ServiceName:   serviceName,
		InsecureTLS:   true,
		SamplingRatio: 1.0,
		BatchTimeout:  5 * time.Second,
		ExportTimeout: 30 * time.Second,
	}
}

// OTLPExporter owns the global tracer provider for one process.
type OTLPExporter struct {
	mu sync.Mutex

	cfg      OTLPConfig
	provider *sdktrace.TracerProvider
}

// NewOTLPExporter creates an exporter; nothing is dialled until Init.
func NewOTLPExporter(cfg OTLPConfig) *OTLPExporter {
	return &OTLPExporter{cfg: cfg}
}

// Init installs the exporter as the global tracer provider and returns a
// function that flushes pending spans and shuts the provider down.
func (e *OTLPExporter) Init(ctx context.Context) (func(context.Context) error, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.provider != nil {
		return e.provider.Shutdown, nil
	}
	if e.cfg.Endpoint == "" {
		return nil, fmt.Errorf("otlp endpoint is empty")
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(e.cfg.Endpoint),
		otlptracegrpc.WithTimeout(e.cfg.ExportTimeout),
	}
	if e.cfg.InsecureTLS {
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(e.cfg.ServiceName),
		semconv.ServiceVersion(e.cfg.ServiceVersion),
	}, e.cfg.Attributes...)
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	e.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(e.cfg.BatchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(e.cfg.SamplingRatio)),
	)
	otel.SetTracerProvider(e.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return e.provider.Shutdown, nil
}

// Sampler maps a ratio to a root sampler. A run is one trace, so the ratio
// selects whole runs.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// Tracer returns the weightflow tracer from the global provider. Without
// Init it is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent adds an event to the current span from context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
