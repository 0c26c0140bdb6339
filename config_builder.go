package conduit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// executorEntry is a registered callback, already wrapped in the linker for its role.
type executorEntry struct {
	kind   StageType
	in     reflect.Type // nil for sources
	out    reflect.Type // nil for sinks
	source sourceLinker
	filter filterLinker
	sink   sinkLinker
}

// Registry holds the callbacks a configuration file can refer to by name.
// Callbacks keep their static types: a filter registered as FilterFunc[int, string]
// can only be linked after a stage producing int, which is checked when the pipeline
// is built.
type Registry struct {
	mu        sync.RWMutex
	executors map[Executor]executorEntry
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[Executor]executorEntry),
	}
}

// RegisterSource registers a source callback under name.
// Returns an error wrapping ErrExecutorExists if the name is taken.
func RegisterSource[T any](r *Registry, name Executor, produce SourceFunc[T]) error {
	if produce == nil {
		return fmt.Errorf("source executor '%s': produce function cannot be nil", name)
	}
	return r.register(name, executorEntry{
		kind:   StageTypeSource,
		out:    reflect.TypeFor[T](),
		source: linkSource(produce),
	})
}

// RegisterFilter registers a filter callback under name. The same filter can be used
// as a top-level stage and inside composites.
func RegisterFilter[I, O any](r *Registry, name Executor, filter FilterFunc[I, O]) error {
	if filter == nil {
		return fmt.Errorf("filter executor '%s': filter function cannot be nil", name)
	}
	return r.register(name, executorEntry{
		kind:   StageTypeFilter,
		in:     reflect.TypeFor[I](),
		out:    reflect.TypeFor[O](),
		filter: linkFilter(filter),
	})
}

// RegisterSink registers a sink callback under name.
func RegisterSink[T any](r *Registry, name Executor, consume SinkFunc[T]) error {
	if consume == nil {
		return fmt.Errorf("sink executor '%s': consume function cannot be nil", name)
	}
	return r.register(name, executorEntry{
		kind: StageTypeSink,
		in:   reflect.TypeFor[T](),
		sink: linkSink(consume),
	})
}

func (r *Registry) register(name Executor, entry executorEntry) error {
	if name == "" {
		return errors.New("executor name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[name]; exists {
		return fmt.Errorf("executor '%s': %w", name, ErrExecutorExists)
	}
	r.executors[name] = entry
	return nil
}

// Executors returns the registered names, sorted.
func (r *Registry) Executors() []Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Executor, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Describe returns a short signature of a registered executor, e.g. "filter(int -> string)".
func (r *Registry) Describe(name Executor) (string, bool) {
	r.mu.RLock()
	entry, ok := r.executors[name]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	switch entry.kind {
	case StageTypeSource:
		return fmt.Sprintf("source(-> %v)", entry.out), true
	case StageTypeSink:
		return fmt.Sprintf("sink(%v ->)", entry.in), true
	default:
		return fmt.Sprintf("filter(%v -> %v)", entry.in, entry.out), true
	}
}

func (r *Registry) lookup(name Executor, kind StageType) (executorEntry, error) {
	r.mu.RLock()
	entry, ok := r.executors[name]
	r.mu.RUnlock()
	if !ok {
		return executorEntry{}, fmt.Errorf("executor '%s': %w", name, ErrUnknownExecutor)
	}
	if entry.kind != kind {
		return executorEntry{}, fmt.Errorf("executor '%s' is a %s, stage needs a %s: %w", name, entry.kind, kind, ErrExecutorKind)
	}
	return entry, nil
}

// BuildPipelineFromConfig is the main entry point for creating a runnable pipeline
// from a parsed configuration. It validates the config, creates the tracer provider
// and metrics collector it asks for, and links every stage from the registry.
//
// S and K are the element types of the first and last pipe. options are applied
// after the configuration, so they can override the name, buffer size, logger or
// observability backends.
func BuildPipelineFromConfig[S, K any](config *PipelineConfig, registry *Registry, options ...PipelineOption) (*Pipeline[S, K], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	factory := NewObservabilityFactory()
	metricsCollector, err := factory.CreateMetricsCollector(config.Metrics)
	if err != nil {
		return nil, NewPipelineConfigurationError("failed to create metrics collector", err)
	}
	tracerProvider, err := factory.CreateTracerProvider(config.Tracing, config.Name)
	if err != nil {
		releaseObservability(metricsCollector, nil)
		return nil, NewPipelineConfigurationError("failed to create tracer provider", err)
	}

	pipelineOptions := []PipelineOption{
		WithPipelineName(config.Name),
		WithMetricsCollector(metricsCollector),
		WithTracerProvider(tracerProvider),
	}
	if config.BufferSize != nil {
		pipelineOptions = append(pipelineOptions, WithBufferSize(*config.BufferSize))
	}
	p := NewPipeline[S, K](append(pipelineOptions, options...)...)

	for i := range config.Stages {
		sc := &config.Stages[i]
		if err := buildStage(p.assembly, sc, registry); err != nil {
			releaseObservability(metricsCollector, tracerProvider)
			return nil, NewPipelineConfigurationError(fmt.Sprintf("failed to build stage #%d ('%s')", i, sc.Name), err)
		}
	}
	return p, nil
}

// releaseObservability shuts down the backends created for a build that failed.
// Either argument may be nil.
func releaseObservability(collector MetricsCollector, provider TracerProvider) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()

	if tp, ok := provider.(interface{ Shutdown(context.Context) error }); ok {
		_ = tp.Shutdown(ctx)
	}
	switch c := collector.(type) {
	case interface{ Close(context.Context) error }:
		_ = c.Close(ctx)
	case interface{ Close() }:
		c.Close()
	}
}

// buildStage links one configured stage onto the end of a.
func buildStage(a *assembly, sc *StageConfig, registry *Registry) error {
	options := stageConfigOptions(sc)

	switch sc.Type {
	case StageTypeSource:
		entry, err := registry.lookup(sc.Executor, StageTypeSource)
		if err != nil {
			return err
		}
		return a.addSource(entry.source, options)

	case StageTypeFilter:
		entry, err := registry.lookup(sc.Executor, StageTypeFilter)
		if err != nil {
			return err
		}
		return a.addFilter("AddFilter", roleFilter, entry.filter, options)

	case StageTypeComposite:
		links := make([]chainLink, 0, len(sc.Stages))
		for i := range sc.Stages {
			sub := &sc.Stages[i]
			entry, err := registry.lookup(sub.Executor, StageTypeFilter)
			if err != nil {
				return fmt.Errorf("nested stage #%d ('%s'): %w", i, sub.Name, err)
			}
			links = append(links, chainLink{link: entry.filter, options: stageConfigOptions(sub)})
		}
		return a.addFilter("AddComposite", roleComposite, linkChain(links), options)

	case StageTypeSink:
		entry, err := registry.lookup(sc.Executor, StageTypeSink)
		if err != nil {
			return err
		}
		return a.addSink(entry.sink, options)

	default:
		return fmt.Errorf("unsupported stage type: %s", sc.Type)
	}
}

func stageConfigOptions(sc *StageConfig) []StageOption {
	options := []StageOption{WithStageName(sc.Name)}
	if sc.RateLimit != nil {
		options = append(options, WithStageRateLimit(rate.Limit(sc.RateLimit.Rate), sc.RateLimit.Burst))
	}
	return options
}
