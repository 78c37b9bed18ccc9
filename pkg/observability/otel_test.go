package observability

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestInitOTelDisabled(t *testing.T) {
	logger, hook := test.NewNullLogger()

	providers, err := InitOTel(context.Background(), OTelConfig{}, logger)
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.Equal(t, "OpenTelemetry is disabled", hook.LastEntry().Message)

	assert.NoError(t, ShutdownOTel(context.Background(), nil, logger))
}

func TestInitOTelRequiresEndpoint(t *testing.T) {
	_, err := InitOTel(context.Background(), OTelConfig{Enabled: true}, nil)
	assert.EqualError(t, err, "OpenTelemetry endpoint is required when enabled")
}

func TestOTelSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, sdktrace.AlwaysSample().Description()},
		{1, sdktrace.AlwaysSample().Description()},
		{0.25, sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description()},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, OTelConfig{SampleRatio: tt.ratio}.sampler().Description())
	}
}

func TestOTelResource(t *testing.T) {
	t.Setenv(EnvPodName, "stellar-webhook-7d9f")
	t.Setenv(EnvPodNamespace, "stellar-system")
	t.Setenv(EnvNodeName, "")
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "")

	cfg := OTelConfig{ServiceName: "stellar-webhook", ServiceVersion: "1.2.3"}
	res, err := cfg.resource(context.Background())
	require.NoError(t, err)

	set := res.Set()
	lookup := func(key attribute.Key) string {
		v, _ := set.Value(key)
		return v.AsString()
	}

	assert.Equal(t, "stellar-webhook", lookup(semconv.ServiceNameKey))
	assert.Equal(t, "1.2.3", lookup(semconv.ServiceVersionKey))
	assert.Equal(t, ServiceNamespace, lookup(semconv.ServiceNamespaceKey))
	assert.Equal(t, "stellar-webhook-7d9f", lookup(semconv.K8SPodNameKey))
	assert.Equal(t, "stellar-webhook-7d9f", lookup(semconv.ServiceInstanceIDKey))
	assert.Equal(t, "stellar-system", lookup(semconv.K8SNamespaceNameKey))
	assert.Empty(t, lookup(semconv.K8SNodeNameKey))
}

func TestShutdownOTelLocalProviders(t *testing.T) {
	logger, hook := test.NewNullLogger()
	providers := &OTelProviders{TracerProvider: sdktrace.NewTracerProvider()}

	require.NoError(t, ShutdownOTel(context.Background(), providers, logger))
	assert.Equal(t, "OpenTelemetry shutdown complete", hook.LastEntry().Message)
}
