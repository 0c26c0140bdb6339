package conduit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synoptiq/go-conduit"
)

// TestObservabilityFactoryMetrics verifies the collector chosen for each metrics configuration
func TestObservabilityFactoryMetrics(t *testing.T) {
	factory := conduit.NewObservabilityFactory()

	t.Run("disabled", func(t *testing.T) {
		collector, err := factory.CreateMetricsCollector(conduit.PipelineMetricsConfig{
			Enabled: false,
			Type:    conduit.MetricsTypePrometheus,
		})
		require.NoError(t, err)
		assert.IsType(t, &conduit.NoopMetricsCollector{}, collector)
	})

	t.Run("noop", func(t *testing.T) {
		collector, err := factory.CreateMetricsCollector(conduit.PipelineMetricsConfig{Enabled: true, Type: conduit.MetricsTypeNoop})
		require.NoError(t, err)
		assert.IsType(t, &conduit.NoopMetricsCollector{}, collector)
	})

	t.Run("prometheus", func(t *testing.T) {
		collector, err := factory.CreateMetricsCollector(conduit.PipelineMetricsConfig{Enabled: true, Type: conduit.MetricsTypePrometheus})
		require.NoError(t, err)
		prom, ok := collector.(*conduit.PrometheusMetricsCollector)
		require.True(t, ok, "got %T", collector)
		assert.NotNil(t, prom.Registry())

		// Each collector owns its registry, so a second one does not clash
		_, err = factory.CreateMetricsCollector(conduit.PipelineMetricsConfig{Enabled: true, Type: conduit.MetricsTypePrometheus})
		assert.NoError(t, err)
	})

	t.Run("logging", func(t *testing.T) {
		collector, err := factory.CreateMetricsCollector(conduit.PipelineMetricsConfig{Enabled: true, Type: conduit.MetricsTypeLogging})
		require.NoError(t, err)
		assert.IsType(t, &conduit.LoggingMetricsCollector{}, collector)
	})

	t.Run("influxdb", func(t *testing.T) {
		collector, err := factory.CreateMetricsCollector(conduit.PipelineMetricsConfig{
			Enabled:  true,
			Type:     conduit.MetricsTypeInfluxDB,
			Endpoint: "http://localhost:8086",
		})
		require.NoError(t, err)
		influx, ok := collector.(*conduit.InfluxDBMetricsCollector)
		require.True(t, ok, "got %T", collector)
		influx.Close()
	})

	t.Run("missing endpoints", func(t *testing.T) {
		for _, typ := range []conduit.MetricsType{conduit.MetricsTypeMongoDB, conduit.MetricsTypeInfluxDB} {
			_, err := factory.CreateMetricsCollector(conduit.PipelineMetricsConfig{Enabled: true, Type: typ})
			assert.ErrorIs(t, err, conduit.ErrMissingBackendParam, "type %s", typ)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := factory.CreateMetricsCollector(conduit.PipelineMetricsConfig{Enabled: true, Type: "statsd"})
		assert.ErrorIs(t, err, conduit.ErrUnsupportedBackend)
	})
}

// TestObservabilityFactoryTracing verifies the tracer provider chosen for each tracing configuration
func TestObservabilityFactoryTracing(t *testing.T) {
	factory := conduit.NewObservabilityFactory()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("disabled", func(t *testing.T) {
		provider, err := factory.CreateTracerProvider(conduit.PipelineTracingConfig{Enabled: false}, "svc")
		require.NoError(t, err)
		assert.IsType(t, conduit.NoopTracerProvider{}, provider)
	})

	t.Run("noop", func(t *testing.T) {
		provider, err := factory.CreateTracerProvider(conduit.PipelineTracingConfig{Enabled: true, Type: conduit.TracingTypeNoop}, "svc")
		require.NoError(t, err)
		assert.IsType(t, conduit.NoopTracerProvider{}, provider)
	})

	t.Run("otlp", func(t *testing.T) {
		provider, err := factory.CreateTracerProvider(conduit.PipelineTracingConfig{
			Enabled:  true,
			Type:     conduit.TracingTypeOTLP,
			Endpoint: "localhost:4317",
		}, "svc")
		require.NoError(t, err)
		otlp, ok := provider.(*conduit.OTLPTracerProvider)
		require.True(t, ok, "got %T", provider)
		assert.NotNil(t, otlp.Tracer("test"))
		assert.NoError(t, otlp.Shutdown(ctx))
	})

	t.Run("jaeger uses otlp", func(t *testing.T) {
		provider, err := factory.CreateTracerProvider(conduit.PipelineTracingConfig{
			Enabled:  true,
			Type:     conduit.TracingTypeJaeger,
			Endpoint: "localhost:4317",
		}, "svc")
		require.NoError(t, err)
		otlp, ok := provider.(*conduit.OTLPTracerProvider)
		require.True(t, ok, "got %T", provider)
		assert.NoError(t, otlp.Shutdown(ctx))
	})

	t.Run("zipkin", func(t *testing.T) {
		provider, err := factory.CreateTracerProvider(conduit.PipelineTracingConfig{
			Enabled:  true,
			Type:     conduit.TracingTypeZipkin,
			Endpoint: "http://localhost:9411/api/v2/spans",
		}, "svc")
		require.NoError(t, err)
		zipkin, ok := provider.(*conduit.ZipkinTracerProvider)
		require.True(t, ok, "got %T", provider)
		assert.NoError(t, zipkin.Shutdown(ctx))
	})

	t.Run("missing endpoints", func(t *testing.T) {
		for _, typ := range []conduit.TracingType{conduit.TracingTypeOTLP, conduit.TracingTypeJaeger, conduit.TracingTypeZipkin} {
			_, err := factory.CreateTracerProvider(conduit.PipelineTracingConfig{Enabled: true, Type: typ}, "svc")
			assert.ErrorIs(t, err, conduit.ErrMissingBackendParam, "type %s", typ)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := factory.CreateTracerProvider(conduit.PipelineTracingConfig{Enabled: true, Type: "xray"}, "svc")
		assert.ErrorIs(t, err, conduit.ErrUnsupportedBackend)
	})
}

// TestBuildPipelineFromConfigBackendError verifies a misconfigured backend fails the build
func TestBuildPipelineFromConfigBackendError(t *testing.T) {
	config, err := conduit.LoadPipelineConfigFromYAML([]byte(`
pipeline_name: "traced"
tracing:
  enabled: true
  type: "zipkin"
stages:
  - name: "a"
    type: "filter"
    executor: "double"
`))
	require.NoError(t, err)

	registry := conduit.NewRegistry()
	require.NoError(t, conduit.RegisterFilter(registry, "double", conduit.Transform(double)))

	_, err = conduit.BuildPipelineFromConfig[int, int](config, registry)
	require.Error(t, err)
	assert.ErrorIs(t, err, conduit.ErrMissingBackendParam)

	var configErr *conduit.PipelineConfigurationError
	assert.ErrorAs(t, err, &configErr)
}

// TestBuildPipelineFromConfigStageErrorWithTracing verifies a stage that fails to link still fails the build once a tracer provider exists
func TestBuildPipelineFromConfigStageErrorWithTracing(t *testing.T) {
	config, err := conduit.LoadPipelineConfigFromYAML([]byte(`
pipeline_name: "traced"
tracing:
  enabled: true
  type: "zipkin"
  endpoint: "http://localhost:9411/api/v2/spans"
stages:
  - name: "a"
    type: "filter"
    executor: "missing"
`))
	require.NoError(t, err)

	_, err = conduit.BuildPipelineFromConfig[int, int](config, conduit.NewRegistry())
	require.Error(t, err)
	assert.ErrorIs(t, err, conduit.ErrUnknownExecutor)

	var configErr *conduit.PipelineConfigurationError
	assert.ErrorAs(t, err, &configErr)
}
