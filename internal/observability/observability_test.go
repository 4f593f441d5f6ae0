package observability

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopManagerDisablesEverything(t *testing.T) {
	m := NoopManager()
	assert.False(t, m.TracingEnabled())
	assert.False(t, m.MetricsEnabled())
	assert.Nil(t, m.Tracer())
	assert.Nil(t, m.Metrics())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.MetricsHandler().ServeHTTP(rec, req)
	assert.Equal(t, 503, rec.Code)

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestNewManagerWithMetricsEnabledServesPrometheusFormat(t *testing.T) {
	m, err := NewManager(context.Background(), &Config{
		Metrics: MetricsConfig{Enabled: true},
	})
	require.NoError(t, err)
	assert.True(t, m.MetricsEnabled())
	assert.False(t, m.TracingEnabled())

	m.Metrics().RecordPipelineRun("completed", 0, 1)
	m.Metrics().RecordCacheHit()
	m.Metrics().RecordCacheMiss()
	m.Metrics().SetQueueDepth(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.MetricsHandler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "cadorch_pipeline_runs_total")
	assert.Contains(t, rec.Body.String(), "cadorch_decision_cache_hits_total")
}

func TestConfigValidateRejectsBadSamplingRate(t *testing.T) {
	cfg := &Config{Tracing: TracingConfig{Enabled: true, SamplingRate: 1.5, Endpoint: "localhost:4317", Exporter: "otlp"}}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestConfigValidateRejectsUnknownExporter(t *testing.T) {
	cfg := &Config{Tracing: TracingConfig{Enabled: true, Endpoint: "localhost:4317", Exporter: "zipkin"}}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestTracingConfigSetDefaults(t *testing.T) {
	cfg := &TracingConfig{}
	cfg.SetDefaults()
	assert.Equal(t, DefaultServiceName, cfg.ServiceName)
	assert.Equal(t, DefaultSamplingRate, cfg.SamplingRate)
	assert.Equal(t, "otlp", cfg.Exporter)
	assert.True(t, cfg.IsInsecure())
}
