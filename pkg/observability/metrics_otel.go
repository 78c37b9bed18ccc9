package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments
type OTelMetrics struct {
	pluginExecutions metric.Int64Counter
	pluginDuration   metric.Float64Histogram
	pluginFuel       metric.Int64Histogram

	decisions        metric.Int64Counter
	decisionDuration metric.Float64Histogram

	storageOperations metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithMeter(otel.Meter("github.com/caxtonacollins/Stellar-K8s-sub001"))
}

// NewOTelMetricsWithMeter creates instruments on meter
func NewOTelMetricsWithMeter(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	m.pluginExecutions, err = meter.Int64Counter(
		"webhook.plugin.executions",
		metric.WithDescription("Plugin executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin executions counter: %w", err)
	}

	m.pluginDuration, err = meter.Float64Histogram(
		"webhook.plugin.duration",
		metric.WithDescription("Plugin execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin duration histogram: %w", err)
	}

	m.pluginFuel, err = meter.Int64Histogram(
		"webhook.plugin.fuel",
		metric.WithDescription("Fuel consumed per plugin execution"),
		metric.WithUnit("{instruction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin fuel histogram: %w", err)
	}

	m.decisions, err = meter.Int64Counter(
		"webhook.admission.decisions",
		metric.WithDescription("Admission decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	m.decisionDuration, err = meter.Float64Histogram(
		"webhook.admission.duration",
		metric.WithDescription("Admission decision duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision duration histogram: %w", err)
	}

	m.storageOperations, err = meter.Int64Counter(
		"webhook.storage.operations",
		metric.WithDescription("Storage backend operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage operations counter: %w", err)
	}

	return m, nil
}

// RecordPluginExecution records one plugin run
func (m *OTelMetrics) RecordPluginExecution(ctx context.Context, plugin, outcome string, duration time.Duration, fuel uint64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("plugin", plugin),
		attribute.String("outcome", outcome),
	)
	m.pluginExecutions.Add(ctx, 1, attrs)
	m.pluginDuration.Record(ctx, duration.Seconds(), attrs)
	m.pluginFuel.Record(ctx, int64(fuel), attrs)
}

// RecordDecision records an aggregated admission decision
func (m *OTelMetrics) RecordDecision(ctx context.Context, operation string, allowed bool, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("allowed", allowed),
	)
	m.decisions.Add(ctx, 1, attrs)
	m.decisionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStorageOperation records a storage backend call
func (m *OTelMetrics) RecordStorageOperation(ctx context.Context, backend, operation string, err error) {
	if m == nil {
		return
	}
	m.storageOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("status", statusLabel(err)),
	))
}
