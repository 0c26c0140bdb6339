package conduit

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	otelTrace "go.opentelemetry.io/otel/trace"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const serviceVersion = "1.0.0"

// ObservabilityFactory creates observability components from pipeline configuration.
type ObservabilityFactory struct{}

// NewObservabilityFactory creates a new factory for observability components.
func NewObservabilityFactory() *ObservabilityFactory {
	return &ObservabilityFactory{}
}

// CreateTracerProvider creates a TracerProvider based on the pipeline tracing configuration.
// Disabled tracing yields a NoopTracerProvider.
func (f *ObservabilityFactory) CreateTracerProvider(
	config PipelineTracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if !config.Enabled {
		return NoopTracerProvider{}, nil
	}

	switch config.Type {
	case TracingTypeNoop:
		return NoopTracerProvider{}, nil
	case TracingTypeOTLP, TracingTypeJaeger:
		// Jaeger ingests OTLP natively, so both go through the OTLP exporter.
		return f.createOTLPTracerProvider(config, serviceName)
	case TracingTypeZipkin:
		return f.createZipkinTracerProvider(config, serviceName)
	default:
		return nil, fmt.Errorf("tracing type %q: %w", config.Type, ErrUnsupportedBackend)
	}
}

// CreateMetricsCollector creates a MetricsCollector based on the pipeline metrics configuration.
// Disabled metrics yield a NoopMetricsCollector.
func (f *ObservabilityFactory) CreateMetricsCollector(config PipelineMetricsConfig) (MetricsCollector, error) {
	if !config.Enabled {
		return &NoopMetricsCollector{}, nil
	}

	switch config.Type {
	case MetricsTypeNoop:
		return &NoopMetricsCollector{}, nil
	case MetricsTypePrometheus:
		return NewPrometheusMetricsCollector(nil), nil
	case MetricsTypeLogging:
		return NewLoggingMetricsCollector(log.New(os.Stderr, "", log.LstdFlags), config.Endpoint), nil
	case MetricsTypeMongoDB:
		return f.createMongoDBCollector(config)
	case MetricsTypeInfluxDB:
		return f.createInfluxDBCollector(config)
	default:
		return nil, fmt.Errorf("metrics type %q: %w", config.Type, ErrUnsupportedBackend)
	}
}

func (f *ObservabilityFactory) createOTLPTracerProvider(
	config PipelineTracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("otlp: %w", ErrMissingBackendParam)
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure(), // Use WithTLSCredentials() for secure connections
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp, err := newSDKTracerProvider(exporter, serviceName)
	if err != nil {
		return nil, err
	}
	return &OTLPTracerProvider{tp: tp}, nil
}

func (f *ObservabilityFactory) createZipkinTracerProvider(
	config PipelineTracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("zipkin: %w", ErrMissingBackendParam)
	}

	exporter, err := zipkin.New(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create Zipkin exporter: %w", err)
	}

	tp, err := newSDKTracerProvider(exporter, serviceName)
	if err != nil {
		return nil, err
	}
	return &ZipkinTracerProvider{tp: tp}, nil
}

// newSDKTracerProvider batches spans to exporter under a resource naming the service.
func newSDKTracerProvider(exporter sdktrace.SpanExporter, serviceName string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func (f *ObservabilityFactory) createMongoDBCollector(config PipelineMetricsConfig) (MetricsCollector, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("mongodb: %w", ErrMissingBackendParam)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(config.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if errPing := client.Ping(ctx, nil); errPing != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", errPing)
	}

	collector := NewMongoDBMetricsCollector(client.Database("conduit_metrics").Collection("pipeline_metrics"))
	collector.client = client
	return collector, nil
}

func (f *ObservabilityFactory) createInfluxDBCollector(config PipelineMetricsConfig) (MetricsCollector, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("influxdb: %w", ErrMissingBackendParam)
	}

	client := influxdb2.NewClient(config.Endpoint, os.Getenv("INFLUXDB_TOKEN"))
	collector := NewInfluxDBMetricsCollector(client.WriteAPI("", "conduit"))
	collector.client = client
	return collector, nil
}

// --- Tracer Providers ---

// OTLPTracerProvider wraps the OpenTelemetry SDK TracerProvider for OTLP export.
type OTLPTracerProvider struct {
	tp *sdktrace.TracerProvider
}

// Tracer returns a tracer from the underlying provider.
func (p *OTLPTracerProvider) Tracer(name string, options ...otelTrace.TracerOption) otelTrace.Tracer {
	return p.tp.Tracer(name, options...)
}

// Shutdown flushes pending spans and shuts down the tracer provider.
func (p *OTLPTracerProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// ZipkinTracerProvider wraps the OpenTelemetry SDK TracerProvider for Zipkin export.
type ZipkinTracerProvider struct {
	tp *sdktrace.TracerProvider
}

// Tracer returns a tracer from the underlying provider.
func (p *ZipkinTracerProvider) Tracer(name string, options ...otelTrace.TracerOption) otelTrace.Tracer {
	return p.tp.Tracer(name, options...)
}

// Shutdown flushes pending spans and shuts down the tracer provider.
func (p *ZipkinTracerProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

var (
	_ TracerProvider = (*OTLPTracerProvider)(nil)
	_ TracerProvider = (*ZipkinTracerProvider)(nil)
)

// --- Logging ---

// LoggingMetricsCollector logs every metric event. It is meant for development and tests.
type LoggingMetricsCollector struct {
	logger   *log.Logger
	endpoint string
}

// Ensure LoggingMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*LoggingMetricsCollector)(nil)

// NewLoggingMetricsCollector creates a collector printing to logger. endpoint is only
// used as a label in the output.
func NewLoggingMetricsCollector(logger *log.Logger, endpoint string) *LoggingMetricsCollector {
	if logger == nil {
		logger = log.Default()
	}
	return &LoggingMetricsCollector{logger: logger, endpoint: endpoint}
}

// PipelineStarted logs when a pipeline starts.
func (l *LoggingMetricsCollector) PipelineStarted(_ context.Context, pipelineName string) {
	l.logger.Printf("METRICS [%s]: Pipeline '%s' started", l.endpoint, pipelineName)
}

// PipelineCompleted logs when a pipeline run ends.
func (l *LoggingMetricsCollector) PipelineCompleted(
	_ context.Context,
	pipelineName string,
	duration time.Duration,
	err error,
) {
	if err != nil {
		l.logger.Printf("METRICS [%s]: Pipeline '%s' completed in %v with error: %v", l.endpoint, pipelineName, duration, err)
		return
	}
	l.logger.Printf("METRICS [%s]: Pipeline '%s' completed in %v", l.endpoint, pipelineName, duration)
}

// StageStarted logs when a stage starts.
func (l *LoggingMetricsCollector) StageStarted(_ context.Context, stageName string) {
	l.logger.Printf("METRICS [%s]: Stage '%s' started", l.endpoint, stageName)
}

// StageCompleted logs when a stage's worker exits.
func (l *LoggingMetricsCollector) StageCompleted(_ context.Context, stageName string, duration time.Duration) {
	l.logger.Printf("METRICS [%s]: Stage '%s' completed in %v", l.endpoint, stageName, duration)
}

// StageError logs when a stage fails.
func (l *LoggingMetricsCollector) StageError(_ context.Context, stageName string, err error) {
	l.logger.Printf("METRICS [%s]: Stage '%s' error: %v", l.endpoint, stageName, err)
}

// StageWorkerItemProcessed logs one processed item.
func (l *LoggingMetricsCollector) StageWorkerItemProcessed(
	_ context.Context,
	stageName string,
	duration time.Duration,
) {
	l.logger.Printf("METRICS [%s]: Stage '%s' processed item in %v", l.endpoint, stageName, duration)
}

// --- Prometheus ---

// PrometheusMetricsCollector implements MetricsCollector for Prometheus.
// Every series is labelled by pipeline or stage name.
type PrometheusMetricsCollector struct {
	registry *prometheus.Registry

	pipelineStartedCounter    *prometheus.CounterVec
	pipelineDurationHistogram *prometheus.HistogramVec
	stageStartedCounter       *prometheus.CounterVec
	stageDurationHistogram    *prometheus.HistogramVec
	stageErrorsCounter        *prometheus.CounterVec
	stageItemsCounter         *prometheus.CounterVec
	stageItemDuration         *prometheus.HistogramVec
}

// Ensure PrometheusMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

// NewPrometheusMetricsCollector registers the conduit metrics in registry.
// A nil registry gets a fresh one.
func NewPrometheusMetricsCollector(registry *prometheus.Registry) *PrometheusMetricsCollector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &PrometheusMetricsCollector{
		registry: registry,
		pipelineStartedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_pipeline_started_total",
			Help: "Total number of pipeline runs started",
		}, []string{"pipeline"}),
		pipelineDurationHistogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "conduit_pipeline_duration_seconds",
			Help: "Duration of pipeline runs in seconds",
		}, []string{"pipeline", "status"}),
		stageStartedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_stage_started_total",
			Help: "Total number of stage workers started",
		}, []string{"stage"}),
		stageDurationHistogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "conduit_stage_duration_seconds",
			Help: "Lifetime of stage workers in seconds",
		}, []string{"stage"}),
		stageErrorsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_stage_errors_total",
			Help: "Total number of stage failures",
		}, []string{"stage"}),
		stageItemsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_stage_items_processed_total",
			Help: "Total number of items processed by stage callbacks",
		}, []string{"stage"}),
		stageItemDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "conduit_stage_item_duration_seconds",
			Help: "Duration of individual callback invocations in seconds",
		}, []string{"stage"}),
	}
}

// PipelineStarted increments the pipeline started counter.
func (p *PrometheusMetricsCollector) PipelineStarted(_ context.Context, pipelineName string) {
	p.pipelineStartedCounter.WithLabelValues(pipelineName).Inc()
}

// PipelineCompleted records the pipeline run duration.
func (p *PrometheusMetricsCollector) PipelineCompleted(
	_ context.Context,
	pipelineName string,
	duration time.Duration,
	err error,
) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.pipelineDurationHistogram.WithLabelValues(pipelineName, status).Observe(duration.Seconds())
}

// StageStarted increments the stage started counter.
func (p *PrometheusMetricsCollector) StageStarted(_ context.Context, stageName string) {
	p.stageStartedCounter.WithLabelValues(stageName).Inc()
}

// StageCompleted records the stage worker lifetime.
func (p *PrometheusMetricsCollector) StageCompleted(_ context.Context, stageName string, duration time.Duration) {
	p.stageDurationHistogram.WithLabelValues(stageName).Observe(duration.Seconds())
}

// StageError increments the stage error counter.
func (p *PrometheusMetricsCollector) StageError(_ context.Context, stageName string, _ error) {
	p.stageErrorsCounter.WithLabelValues(stageName).Inc()
}

// StageWorkerItemProcessed counts one processed item and records its duration.
func (p *PrometheusMetricsCollector) StageWorkerItemProcessed(
	_ context.Context,
	stageName string,
	duration time.Duration,
) {
	p.stageItemsCounter.WithLabelValues(stageName).Inc()
	p.stageItemDuration.WithLabelValues(stageName).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry holding the metrics.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns an HTTP handler exposing the registry in the Prometheus text format.
func (p *PrometheusMetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// --- MongoDB ---

// DocumentInserter is the part of *mongo.Collection the MongoDB collector uses.
type DocumentInserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// MongoDBMetricsCollector inserts one document per metric event.
type MongoDBMetricsCollector struct {
	collection DocumentInserter
	client     *mongo.Client // set when the collector owns the connection
	logger     *log.Logger
}

// Ensure MongoDBMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*MongoDBMetricsCollector)(nil)

// NewMongoDBMetricsCollector creates a collector writing to collection.
func NewMongoDBMetricsCollector(collection DocumentInserter) *MongoDBMetricsCollector {
	return &MongoDBMetricsCollector{
		collection: collection,
		logger:     log.Default(),
	}
}

// insertMetric inserts a metric document into MongoDB.
func (m *MongoDBMetricsCollector) insertMetric(ctx context.Context, metricType, subject string, data bson.M) {
	doc := bson.M{
		"timestamp":   time.Now(),
		"metric_type": metricType,
		"subject":     subject,
		"data":        data,
	}

	if _, err := m.collection.InsertOne(ctx, doc); err != nil {
		m.logger.Printf("ERROR: Failed to insert metric to MongoDB: %v", err)
	}
}

// PipelineStarted inserts a pipeline started document.
func (m *MongoDBMetricsCollector) PipelineStarted(ctx context.Context, pipelineName string) {
	m.insertMetric(ctx, "pipeline_started", pipelineName, bson.M{"count": 1})
}

// PipelineCompleted inserts a pipeline completion document.
func (m *MongoDBMetricsCollector) PipelineCompleted(
	ctx context.Context,
	pipelineName string,
	duration time.Duration,
	err error,
) {
	data := bson.M{
		"duration_seconds": duration.Seconds(),
		"duration_ms":      duration.Milliseconds(),
		"success":          err == nil,
	}
	if err != nil {
		data["error_message"] = err.Error()
	}
	m.insertMetric(ctx, "pipeline_completed", pipelineName, data)
}

// StageStarted inserts a stage started document.
func (m *MongoDBMetricsCollector) StageStarted(ctx context.Context, stageName string) {
	m.insertMetric(ctx, "stage_started", stageName, bson.M{"count": 1})
}

// StageCompleted inserts a stage completion document.
func (m *MongoDBMetricsCollector) StageCompleted(ctx context.Context, stageName string, duration time.Duration) {
	m.insertMetric(ctx, "stage_completed", stageName, bson.M{
		"duration_seconds": duration.Seconds(),
		"duration_ms":      duration.Milliseconds(),
	})
}

// StageError inserts a stage error document.
func (m *MongoDBMetricsCollector) StageError(ctx context.Context, stageName string, err error) {
	m.insertMetric(ctx, "stage_error", stageName, bson.M{
		"error_message": err.Error(),
		"count":         1,
	})
}

// StageWorkerItemProcessed inserts an item processed document.
func (m *MongoDBMetricsCollector) StageWorkerItemProcessed(
	ctx context.Context,
	stageName string,
	duration time.Duration,
) {
	m.insertMetric(ctx, "stage_item_processed", stageName, bson.M{
		"duration_seconds": duration.Seconds(),
	})
}

// Close disconnects the client if the collector opened it.
func (m *MongoDBMetricsCollector) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

// --- InfluxDB ---

// PointWriter is the part of the InfluxDB non-blocking write API the collector uses.
type PointWriter interface {
	WritePoint(point *write.Point)
}

// InfluxDBMetricsCollector writes one point per metric event.
type InfluxDBMetricsCollector struct {
	writer PointWriter
	client influxdb2.Client // set when the collector owns the client
}

// Ensure InfluxDBMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*InfluxDBMetricsCollector)(nil)

// NewInfluxDBMetricsCollector creates a collector writing through writer,
// typically client.WriteAPI(org, bucket).
func NewInfluxDBMetricsCollector(writer PointWriter) *InfluxDBMetricsCollector {
	return &InfluxDBMetricsCollector{writer: writer}
}

// writePoint writes a metric point to InfluxDB.
func (i *InfluxDBMetricsCollector) writePoint(
	measurement string,
	tags map[string]string,
	fields map[string]any,
) {
	i.writer.WritePoint(influxdb2.NewPoint(measurement, tags, fields, time.Now()))
}

// PipelineStarted writes a pipeline started point.
func (i *InfluxDBMetricsCollector) PipelineStarted(_ context.Context, pipelineName string) {
	i.writePoint("conduit_pipeline_started",
		map[string]string{"pipeline": pipelineName},
		map[string]any{"count": 1})
}

// PipelineCompleted writes a pipeline duration point.
func (i *InfluxDBMetricsCollector) PipelineCompleted(
	_ context.Context,
	pipelineName string,
	duration time.Duration,
	err error,
) {
	i.writePoint("conduit_pipeline_duration",
		map[string]string{"pipeline": pipelineName},
		map[string]any{"duration_seconds": duration.Seconds(), "success": err == nil})
}

// StageStarted writes a stage started point.
func (i *InfluxDBMetricsCollector) StageStarted(_ context.Context, stageName string) {
	i.writePoint("conduit_stage_started",
		map[string]string{"stage": stageName},
		map[string]any{"count": 1})
}

// StageCompleted writes a stage duration point.
func (i *InfluxDBMetricsCollector) StageCompleted(_ context.Context, stageName string, duration time.Duration) {
	i.writePoint("conduit_stage_duration",
		map[string]string{"stage": stageName},
		map[string]any{"duration_seconds": duration.Seconds()})
}

// StageError writes a stage error point.
func (i *InfluxDBMetricsCollector) StageError(_ context.Context, stageName string, err error) {
	i.writePoint("conduit_stage_errors",
		map[string]string{"stage": stageName},
		map[string]any{"count": 1, "error": err.Error()})
}

// StageWorkerItemProcessed writes an item duration point.
func (i *InfluxDBMetricsCollector) StageWorkerItemProcessed(
	_ context.Context,
	stageName string,
	duration time.Duration,
) {
	i.writePoint("conduit_stage_item_duration",
		map[string]string{"stage": stageName},
		map[string]any{"duration_seconds": duration.Seconds()})
}

// Close flushes pending points and closes the client if the collector created it.
func (i *InfluxDBMetricsCollector) Close() {
	if i.client == nil {
		return
	}
	if flusher, ok := i.writer.(interface{ Flush() }); ok {
		flusher.Flush()
	}
	i.client.Close()
}
