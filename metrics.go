package conduit

import (
	"context"
	"time"
)

// MetricsCollector defines an interface for collecting metrics about pipeline operations.
// This allows for integration with various monitoring systems like Prometheus, MongoDB, InfluxDB, etc.
type MetricsCollector interface {
	// --- Pipeline Lifecycle Metrics ---

	// PipelineStarted is called when a pipeline's Start launches its stages.
	PipelineStarted(ctx context.Context, pipelineName string)
	// PipelineCompleted is called once per run, when the pipeline is stopped or all
	// of its stages have exited.
	PipelineCompleted(ctx context.Context, pipelineName string, duration time.Duration, err error)

	// --- Stage Worker Metrics ---

	// StageStarted is called when a stage spawns its worker goroutine.
	StageStarted(ctx context.Context, stageName string)
	// StageCompleted is called when a stage's worker exits, whatever the reason.
	StageCompleted(ctx context.Context, stageName string, duration time.Duration)
	// StageError is called when a stage fails because its callback returned an error or panicked.
	StageError(ctx context.Context, stageName string, err error)
	// StageWorkerItemProcessed reports one successful callback invocation.
	StageWorkerItemProcessed(ctx context.Context, stageName string, duration time.Duration)
}

// NoopMetricsCollector is a metrics collector that does nothing.
// It's useful as a default when no metrics collection is needed.
type NoopMetricsCollector struct{}

// Ensure NoopMetricsCollector implements MetricsCollector
var _ MetricsCollector = (*NoopMetricsCollector)(nil)

// PipelineStarted implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) PipelineStarted(_ context.Context, _ string) {}

// PipelineCompleted implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) PipelineCompleted(_ context.Context, _ string, _ time.Duration, _ error) {
}

// StageStarted implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) StageStarted(_ context.Context, _ string) {}

// StageCompleted implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) StageCompleted(_ context.Context, _ string, _ time.Duration) {}

// StageError implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) StageError(_ context.Context, _ string, _ error) {}

// StageWorkerItemProcessed implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) StageWorkerItemProcessed(_ context.Context, _ string, _ time.Duration) {}

// DefaultMetricsCollector is the default metrics collector used when none is provided.
var DefaultMetricsCollector MetricsCollector = &NoopMetricsCollector{}
