// Package telemetry installs the process-wide OpenTelemetry tracer provider.
// Inference dispatch spans and gin request spans are exported through it.
package telemetry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

const defaultServiceName = "cdss-core"

// Provider owns the SDK tracer provider. A disabled Provider hands out no-op tracers.
type Provider struct {
	sdk *sdktrace.TracerProvider
	tp  trace.TracerProvider
}

// Setup builds an OTLP/gRPC exporting provider from cfg and installs it as
// the global tracer provider. With telemetry disabled the globals are left alone.
func Setup(ctx context.Context, cfg domain.TelemetryConfig, version string, logger *logrus.Logger) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tp: noop.NewTracerProvider()}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	p, err := NewProvider(ctx, cfg, version, exporter)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(p.sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"endpoint":     cfg.Endpoint,
			"sample_ratio": cfg.SampleRatio,
		}).Info("Trace export enabled")
	}
	return p, nil
}

// NewProvider builds a batching provider around exporter without touching
// the globals.
func NewProvider(ctx context.Context, cfg domain.TelemetryConfig, version string, exporter sdktrace.SpanExporter) (*Provider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTel resource: %w", err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	return &Provider{sdk: sdk, tp: sdk}, nil
}

// Enabled reports whether spans are exported
func (p *Provider) Enabled() bool {
	return p.sdk != nil
}

// TracerProvider returns the provider components should trace through
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tp
}

// ForceFlush exports every finished span still buffered
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.ForceFlush(ctx)
}

// Shutdown flushes and stops the exporter
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	if err := p.sdk.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer provider shutdown failed: %w", err)
	}
	return nil
}
