package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{Exporter: "none"}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingRejectsUnknownExporter(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: "zipkin"}, nil)
	assert.Error(t, err)
}

func TestSetupTracingOTLPNeedsEndpoint(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: "otlp", OTLPEndpoint: "  "}, nil)
	assert.ErrorIs(t, err, errOTLPEndpoint)
}

func TestWithService(t *testing.T) {
	assert.Equal(t, "viewflow-api", TraceConfig{}.WithService("viewflow-api").ServiceName)
	assert.Equal(t, "custom", TraceConfig{ServiceName: "custom"}.WithService("viewflow-api").ServiceName)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1.5).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestSetupTracingStdout(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{Exporter: "STDOUT", ServiceName: "test"}, nil)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
