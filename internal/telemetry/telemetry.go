// Package telemetry sets up OpenTelemetry tracing. When disabled every
// tracer is a no-op.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const TracerName = "workweave"

var (
	AttrSource    = attribute.Key("workweave.source")
	AttrSyncMode  = attribute.Key("workweave.sync.mode")
	AttrItems     = attribute.Key("workweave.items")
	AttrIssueID   = attribute.Key("workweave.issue.id")
	AttrCycleID   = attribute.Key("workweave.cycle.id")
	AttrMatchPath = attribute.Key("workweave.correlation.path")
)

type Config struct {
	Exporter    string  `yaml:"exporter"` // none, stdout, otlp-http
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

func (c Config) enabled() bool {
	return c.Exporter != "" && c.Exporter != "none"
}

type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer
	shutdown       func(context.Context) error
}

// Init returns a Provider that must be shut down on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.enabled() {
		return Noop(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "workweave-api"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(TracerName),
		shutdown:       tp.Shutdown,
	}, nil
}

func Noop() *Provider {
	return &Provider{
		Tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
		shutdown: func(context.Context) error { return nil },
	}
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// StartSpan starts an internal span. A nil tracer falls back to the
// global provider.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
