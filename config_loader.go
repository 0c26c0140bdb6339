package conduit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// PipelineVersion is the default version of the pipeline configuration.
	PipelineVersion = "1.0.0"
)

// PipelineConfig holds the parsed configuration for a single pipeline.
type PipelineConfig struct {
	Version    string                `yaml:"version"               validate:"required"`             // Version of the pipeline configuration
	Name       string                `yaml:"pipeline_name"         validate:"required"`             // Name of the pipeline
	BufferSize *int                  `yaml:"buffer_size,omitempty" validate:"omitempty,gte=0"`      // Capacity of the pipes between stages, 0 for unbounded
	Tracing    PipelineTracingConfig `yaml:"tracing,omitempty"`                                     // Tracing configuration for the pipeline
	Metrics    PipelineMetricsConfig `yaml:"metrics,omitempty"`                                     // Metrics configuration for the pipeline
	Stages     []StageConfig         `yaml:"stages"                validate:"required,min=1,dive"` // Stages in insertion order
}

// TracingType represents the tracing backend used by the pipeline.
type TracingType string

const (
	// TracingTypeOTLP exports spans over OTLP/gRPC.
	TracingTypeOTLP TracingType = "otlp"
	// TracingTypeJaeger exports spans to Jaeger through its OTLP endpoint.
	TracingTypeJaeger TracingType = "jaeger"
	// TracingTypeZipkin exports spans to a Zipkin collector.
	TracingTypeZipkin TracingType = "zipkin"
	// TracingTypeNoop records nothing.
	TracingTypeNoop TracingType = "noop"
)

// PipelineTracingConfig holds the configuration for tracing in a pipeline.
type PipelineTracingConfig struct {
	Enabled  bool        `yaml:"enabled"`                                                     // Whether tracing is enabled for the pipeline
	Type     TracingType `yaml:"type"     validate:"omitempty,oneof=otlp jaeger zipkin noop"` // Type of tracing used in the pipeline
	Endpoint string      `yaml:"endpoint"`                                                    // Endpoint for the tracing service (e.g., localhost:4317)
}

// MetricsType represents the metrics backend used by the pipeline.
type MetricsType string

const (
	// MetricsTypePrometheus collects metrics in a Prometheus registry.
	MetricsTypePrometheus MetricsType = "prometheus"
	// MetricsTypeMongoDB inserts one document per metric event.
	MetricsTypeMongoDB MetricsType = "mongodb"
	// MetricsTypeInfluxDB writes one point per metric event.
	MetricsTypeInfluxDB MetricsType = "influxdb"
	// MetricsTypeLogging prints metric events to the standard logger.
	MetricsTypeLogging MetricsType = "logging"
	// MetricsTypeNoop represents no metrics.
	MetricsTypeNoop MetricsType = "noop"
)

// PipelineMetricsConfig holds the configuration for metrics in a pipeline.
type PipelineMetricsConfig struct {
	Enabled  bool        `yaml:"enabled"`                                                                   // Whether metrics are enabled for the pipeline
	Type     MetricsType `yaml:"type"     validate:"omitempty,oneof=prometheus mongodb influxdb logging noop"` // Type of metrics used in the pipeline
	Endpoint string      `yaml:"endpoint"`                                                                  // Endpoint for the metrics service (e.g., mongodb://localhost:27017)
}

// Executor is the name under which a callback is registered in a Registry.
type Executor string

// StageType represents the role of a stage in the pipeline.
type StageType string

const (
	// StageTypeSource produces values into the first pipe.
	StageTypeSource StageType = "source"
	// StageTypeFilter transforms values between two pipes.
	StageTypeFilter StageType = "filter"
	// StageTypeComposite chains nested filter stages behind one stage.
	StageTypeComposite StageType = "composite"
	// StageTypeSink consumes values from the last pipe.
	StageTypeSink StageType = "sink"
)

// RateLimitConfig limits how often a stage runs its callback.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"  validate:"gt=0"`           // Iterations per second
	Burst int     `yaml:"burst" validate:"omitempty,gte=1"` // Maximum burst, defaults to 1
}

// StageConfig holds the configuration for a single stage in a pipeline.
type StageConfig struct {
	Name      string           `yaml:"name"                 validate:"required"`                                     // Name of the stage
	Type      StageType        `yaml:"type"                 validate:"required,oneof=source filter composite sink"` // Role of the stage
	Executor  Executor         `yaml:"executor,omitempty"   validate:"required_unless=Type composite"`              // Registered callback
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`                                                         // Optional rate limit
	Stages    []StageConfig    `yaml:"stages,omitempty"     validate:"required_if=Type composite,dive"`             // Inner filters of a composite
}

// Validate checks the pipeline configuration for correctness using struct tags, then
// checks the stage layout: a source may only come first, a sink only last, and a
// composite may only contain filters.
func (pc *PipelineConfig) Validate() error {
	validate := validator.New()

	// Validate the top-level PipelineConfig fields and, through dive, every stage
	if err := validate.Struct(pc); err != nil {
		return NewPipelineConfigurationError("validation failed", err)
	}

	last := len(pc.Stages) - 1
	for i, stage := range pc.Stages {
		switch {
		case stage.Type == StageTypeSource && i != 0:
			return NewPipelineConfigurationError(fmt.Sprintf("stage #%d ('%s')", i, stage.Name), ErrSourceAfterFilters)
		case stage.Type == StageTypeSink && i != last:
			return NewPipelineConfigurationError(fmt.Sprintf("stage #%d ('%s')", i, stage.Name), ErrPipelineSealed)
		case stage.Type == StageTypeComposite:
			if err := stage.validateNestedStages(); err != nil {
				return NewPipelineConfigurationError(fmt.Sprintf("stage #%d ('%s')", i, stage.Name), err)
			}
		case stage.Type != StageTypeComposite && len(stage.Stages) > 0:
			return NewPipelineConfigurationError(
				fmt.Sprintf("stage #%d ('%s')", i, stage.Name),
				errors.New("only composite stages may contain nested stages"),
			)
		}
	}
	return nil
}

// validateNestedStages checks that a composite contains plain filters only.
func (sc *StageConfig) validateNestedStages() error {
	for i, sub := range sc.Stages {
		if sub.Type != StageTypeFilter {
			return fmt.Errorf("nested stage #%d ('%s') has type %q, composites only chain filters", i, sub.Name, sub.Type)
		}
	}
	return nil
}

// LoadPipelineConfigFromYAML parses and validates a pipeline configuration.
// Unknown keys are rejected.
func LoadPipelineConfigFromYAML(data []byte) (*PipelineConfig, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var cfg PipelineConfig
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, NewPipelineConfigurationError("empty configuration", err)
		}
		return nil, NewPipelineConfigurationError("failed to parse YAML", err)
	}
	if cfg.Version == "" {
		cfg.Version = PipelineVersion
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPipelineConfigFromFile reads a YAML pipeline configuration from path.
func LoadPipelineConfigFromFile(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewPipelineConfigurationError(fmt.Sprintf("failed to read %s", path), err)
	}
	return LoadPipelineConfigFromYAML(data)
}
