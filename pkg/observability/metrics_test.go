package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetricsRegisters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	// registering twice on one registry must panic
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPluginExecution("deny-all", "denied", 5*time.Millisecond, 120)
	m.RecordPluginExecution("deny-all", "denied", time.Millisecond, 0)
	m.RecordDecision("CREATE", false, time.Millisecond)
	m.SetPluginsLoaded(3)
	m.RecordPluginLoad(nil)
	m.RecordPluginLoad(errors.New("boom"))
	m.RecordTrigger("success")
	m.RecordStorageOperation("redis", "save", time.Millisecond, nil)
	m.RecordAuditWrite(errors.New("db down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PluginExecutionsTotal.WithLabelValues("deny-all", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AdmissionDecisionsTotal.WithLabelValues("CREATE", "false")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PluginsLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PluginLoadsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PluginLoadsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TriggerEventsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageOperationsTotal.WithLabelValues("redis", "save", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditWritesTotal.WithLabelValues("error")))
	// zero fuel is not observed
	assert.Equal(t, 1, testutil.CollectAndCount(m.PluginFuelConsumed))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPluginExecution("p", "allowed", time.Millisecond, 1)
		m.RecordDecision("CREATE", true, time.Millisecond)
		m.SetPluginsLoaded(1)
		m.RecordPluginLoad(nil)
		m.RecordTrigger("ignored")
		m.RecordStorageOperation("s3", "put", time.Millisecond, nil)
		m.RecordAuditWrite(nil)
	})

	var om *OTelMetrics
	assert.NotPanics(t, func() {
		om.RecordPluginExecution(context.Background(), "p", "allowed", time.Millisecond, 1)
		om.RecordDecision(context.Background(), "CREATE", true, time.Millisecond)
		om.RecordStorageOperation(context.Background(), "s3", "put", nil)
	})
}

func TestHTTPMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	r := mux.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.HandleFunc("/plugins/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("{}"))
	}).Methods(http.MethodDelete)
	r.Handle("/metrics", MetricsHandler(registry))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/plugins/foo", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("DELETE", "/plugins/{name}", "404")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "webhook_http_requests_total"))
}

func TestOTelMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	om, err := NewOTelMetricsWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	om.RecordPluginExecution(ctx, "p", "allowed", time.Millisecond, 42)
	om.RecordPluginExecution(ctx, "p", "allowed", time.Millisecond, 42)
	om.RecordDecision(ctx, "UPDATE", true, time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	found := map[string]metricdata.Metrics{}
	for _, mm := range rm.ScopeMetrics[0].Metrics {
		found[mm.Name] = mm
	}
	require.Contains(t, found, "webhook.plugin.executions")
	sum, ok := found["webhook.plugin.executions"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
	assert.Contains(t, found, "webhook.admission.decisions")
}
