package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestSetup_Disabled(t *testing.T) {
	before := otel.GetTracerProvider()

	p, err := Setup(context.Background(), domain.TelemetryConfig{}, "1.0.0", quietLogger())
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.Equal(t, before, otel.GetTracerProvider(), "globals untouched")

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_ExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	cfg := domain.TelemetryConfig{Enabled: true, ServiceName: "cdss-test", SampleRatio: 1}

	p, err := NewProvider(context.Background(), cfg, "1.2.3", exporter)
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "inference.dispatch")
	span.End()
	require.NoError(t, p.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "inference.dispatch", spans[0].Name)

	attrs := spans[0].Resource.Attributes()
	assert.Contains(t, attrs, semconv.ServiceName("cdss-test"))
	assert.Contains(t, attrs, semconv.ServiceVersion("1.2.3"))
}

func TestNewProvider_SampleRatioZeroDropsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := NewProvider(context.Background(), domain.TelemetryConfig{Enabled: true}, "1.0.0", exporter)
	require.NoError(t, err)

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "dropped")
	span.End()
	require.NoError(t, p.ForceFlush(context.Background()))
	assert.Empty(t, exporter.GetSpans())
}

func TestSetup_InstallsGlobalProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	defer otel.SetTracerProvider(before)

	cfg := domain.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4317",
		Insecure:    true,
		SampleRatio: 1,
	}
	p, err := Setup(context.Background(), cfg, "1.0.0", quietLogger())
	require.NoError(t, err)
	assert.True(t, p.Enabled())
	assert.Equal(t, p.TracerProvider(), otel.GetTracerProvider())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)
}
