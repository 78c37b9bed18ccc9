// Package observability provides logging, Prometheus metrics, OpenTelemetry
// setup, health checks and graceful shutdown for the webhook.
//
// Loggers are plain logrus loggers:
//
//	logger := observability.NewLogger("info", "text")
//	observability.Entry(ctx, logger).WithField("plugin", name).Info("Plugin executed")
//
// Metrics register on a caller-supplied registry and tolerate a nil receiver:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDecision("CREATE", true, time.Since(start))
//
// Tracing and OTLP metric export are off unless OTelConfig.Enabled is set:
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "stellar-webhook",
//		Insecure:    true,
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
