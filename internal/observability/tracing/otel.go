// Package tracing configures OpenTelemetry and the spans around evaluations.
package tracing

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/crivet/dose-engine/internal/domain/dosing"
)

const instrumentation = "github.com/crivet/dose-engine"

// Config holds tracing configuration. An empty OTLPEndpoint keeps spans
// in-process: propagation still works but nothing is exported. Insecure
// disables TLS towards the collector.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Insecure       bool
	SampleRate     float64
}

// DefaultConfig traces every request and exports nowhere
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: buildVersion(),
		Environment:    "development",
		Insecure:       true,
		SampleRate:     1.0,
	}
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// Provider owns the installed tracer provider
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init installs the W3C propagators and, when an endpoint is configured, a
// batching OTLP exporter sampled at cfg.SampleRate
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if cfg.OTLPEndpoint == "" {
		return &Provider{}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter for %s: %w", cfg.OTLPEndpoint, err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Sampler maps a sample rate onto a parent-based sampler
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans; a no-op when nothing was exported
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the tracer used by the service
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// StartEvaluation opens a span for a single-drug evaluation
func StartEvaluation(ctx context.Context, req dosing.Request) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dosing.Evaluate", trace.WithAttributes(
		attribute.String("drug.id", req.DrugID),
		attribute.String("dose.mode", req.Mode),
		attribute.String("patient.species", req.Species),
		attribute.String("protocol.id", req.ProtocolID),
	))
}

// StartProtocol opens a span for a protocol evaluation
func StartProtocol(ctx context.Context, req dosing.ProtocolRequest) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dosing.EvaluateProtocol", trace.WithAttributes(
		attribute.String("protocol.id", req.ProtocolID),
		attribute.String("patient.species", req.Species),
		attribute.Int("protocol.drugs", len(req.Drugs)),
	))
}

// End records the verdict or error and ends the span
func End(span trace.Span, status string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("dose.status", status))
	}
	span.End()
}
