package conduit

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// DefaultBufferSize is the capacity of the pipes a pipeline creates between stages.
const DefaultBufferSize = 64

// --- Pipeline Configuration ---

// pipelineConfig holds configuration for a Pipeline.
type pipelineConfig struct {
	name             string
	bufferSize       int
	logger           *log.Logger
	metricsCollector MetricsCollector
	tracerProvider   TracerProvider
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*pipelineConfig)

// WithPipelineName sets a descriptive name for the pipeline. The name is used as an
// attribute in pipeline-level metrics and traces and as the prefix of default stage names.
// Default: "conduit_pipeline".
func WithPipelineName(name string) PipelineOption {
	return func(cfg *pipelineConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithBufferSize sets the capacity of the pipes the pipeline creates.
//   - n > 0: bounded pipes; a full pipe blocks its writer.
//   - n <= 0: unbounded pipes.
//
// Default: DefaultBufferSize.
func WithBufferSize(n int) PipelineOption {
	return func(cfg *pipelineConfig) {
		if n < 0 {
			n = 0
		}
		cfg.bufferSize = n
	}
}

// WithPipelineLogger sets the logger for the pipeline. It is also the default logger of
// every stage added to it (unless overridden by WithStageLogger).
// If nil is provided, logging defaults to a logger that discards all output.
func WithPipelineLogger(logger *log.Logger) PipelineOption {
	return func(cfg *pipelineConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetricsCollector sets the collector receiving pipeline metrics. It is passed down
// to every stage as its default collector.
// If nil is provided, the DefaultMetricsCollector (a no-op collector) is used.
func WithMetricsCollector(collector MetricsCollector) PipelineOption {
	return func(cfg *pipelineConfig) {
		if collector == nil {
			collector = DefaultMetricsCollector
		}
		cfg.metricsCollector = collector
	}
}

// WithTracerProvider sets the OpenTelemetry TracerProvider for the pipeline run span and,
// by default, for every stage.
// If nil is provided, DefaultTracerProvider (the global otel provider) is used.
func WithTracerProvider(provider TracerProvider) PipelineOption {
	return func(cfg *pipelineConfig) {
		if provider == nil {
			provider = DefaultTracerProvider
		}
		cfg.tracerProvider = provider
	}
}

// --- Assembly ---

// pipelineRun holds the trace span and timing of one Start..Stop/Wait cycle.
type pipelineRun struct {
	ctx     context.Context
	span    trace.Span
	started time.Time
	once    sync.Once
}

// assembly is the untyped core of a Pipeline: the ordered stages and the ordered
// pipes between them. Pipe 0 feeds the first filter (or is written by the source);
// the last pipe is drained by the sink or by Get. There is always one more pipe than
// there are filter-shaped stages.
type assembly struct {
	cfg    *pipelineConfig
	tracer trace.Tracer

	mu        sync.Mutex
	pipes     []pipeHandle
	stages    []Stage
	hasSource bool
	hasSink   bool
	run       *pipelineRun
}

// sourceLinker attaches a source to the first pipe of a pipeline.
type sourceLinker func(out pipeHandle, options []StageOption) (Stage, error)

// sinkLinker attaches a sink to the last pipe of a pipeline.
type sinkLinker func(in pipeHandle, options []StageOption) (Stage, error)

func linkSource[T any](produce SourceFunc[T]) sourceLinker {
	return func(out pipeHandle, options []StageOption) (Stage, error) {
		typedOut, err := assertPipe[T](out)
		if err != nil {
			return nil, err
		}
		return NewSource(produce, typedOut, options...), nil
	}
}

func linkSink[T any](consume SinkFunc[T]) sinkLinker {
	return func(in pipeHandle, options []StageOption) (Stage, error) {
		typedIn, err := assertPipe[T](in)
		if err != nil {
			return nil, err
		}
		return NewSink(consume, typedIn, options...), nil
	}
}

func newAssembly(first pipeHandle, options []PipelineOption) *assembly {
	cfg := &pipelineConfig{
		name:             "conduit_pipeline",
		bufferSize:       DefaultBufferSize,
		logger:           log.New(io.Discard, "", 0),
		metricsCollector: DefaultMetricsCollector,
		tracerProvider:   DefaultTracerProvider,
	}
	for _, option := range options {
		option(cfg)
	}
	return &assembly{
		cfg:    cfg,
		tracer: cfg.tracerProvider.Tracer(instrumentationName),
		pipes:  []pipeHandle{first},
	}
}

// stageOptions returns the pipeline defaults for the stage at index, followed by the
// caller's options so they take precedence.
func (a *assembly) stageOptions(role string, index int, extra []StageOption) []StageOption {
	options := []StageOption{
		WithStageName(fmt.Sprintf("%s_%s_%d", a.cfg.name, role, index)),
		WithStageLogger(a.cfg.logger),
		WithStageMetrics(a.cfg.metricsCollector),
		WithStageTracerProvider(a.cfg.tracerProvider),
		WithStageBufferSize(a.cfg.bufferSize),
		withStageIndex(index),
	}
	return append(options, extra...)
}

// checkAddLocked rejects structural changes while running or after the sink.
func (a *assembly) checkAddLocked() error {
	if anyRunning(a.stages) {
		return ErrPipelineRunning
	}
	if a.hasSink {
		return ErrPipelineSealed
	}
	return nil
}

func (a *assembly) addSource(link sourceLinker, options []StageOption) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	index := len(a.stages)
	err := a.checkAddLocked()
	switch {
	case err != nil:
	case a.hasSource:
		err = ErrSourceExists
	case index > 0:
		err = ErrSourceAfterFilters
	}
	if err != nil {
		return a.rejectLocked("AddSource", roleSource, index, err)
	}

	stage, err := link(a.pipes[0], a.stageOptions(roleSource, index, options))
	if err != nil {
		return a.rejectLocked("AddSource", roleSource, index, err)
	}
	a.stages = append(a.stages, stage)
	a.hasSource = true
	a.cfg.logger.Printf("DEBUG: Pipeline '%s': added source '%s'", a.cfg.name, stage.Name())
	return nil
}

func (a *assembly) addFilter(op, role string, link filterLinker, options []StageOption) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	index := len(a.stages)
	if err := a.checkAddLocked(); err != nil {
		return a.rejectLocked(op, role, index, err)
	}

	in := a.pipes[len(a.pipes)-1]
	stage, out, err := link(in, nil, a.cfg.bufferSize, a.stageOptions(role, index, options))
	if err != nil {
		return a.rejectLocked(op, role, index, err)
	}
	a.stages = append(a.stages, stage)
	a.pipes = append(a.pipes, out)
	a.cfg.logger.Printf("DEBUG: Pipeline '%s': added %s '%s' (%v -> %v)",
		a.cfg.name, role, stage.Name(), in.ElemType(), out.ElemType())
	return nil
}

func (a *assembly) addSink(link sinkLinker, options []StageOption) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	index := len(a.stages)
	if err := a.checkAddLocked(); err != nil {
		return a.rejectLocked("AddSink", roleSink, index, err)
	}

	stage, err := link(a.pipes[len(a.pipes)-1], a.stageOptions(roleSink, index, options))
	if err != nil {
		return a.rejectLocked("AddSink", roleSink, index, err)
	}
	a.stages = append(a.stages, stage)
	a.hasSink = true
	a.cfg.logger.Printf("DEBUG: Pipeline '%s': added sink '%s'", a.cfg.name, stage.Name())
	return nil
}

func (a *assembly) rejectLocked(op, role string, index int, err error) error {
	a.cfg.logger.Printf("ERROR: Pipeline '%s': %s rejected %s at index %d: %v", a.cfg.name, op, role, index, err)
	return newCompositionError(op, fmt.Sprintf("%s_%s_%d", a.cfg.name, role, index), index, err)
}

// Name returns the pipeline name.
func (a *assembly) Name() string {
	return a.cfg.name
}

// Stages returns the registered stages in insertion order.
func (a *assembly) Stages() []Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	stages := make([]Stage, len(a.stages))
	copy(stages, a.stages)
	return stages
}

// NumPipes returns the number of pipes between and around the stages.
func (a *assembly) NumPipes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pipes)
}

// State folds the states of all stages: Failed if any failed, Running if any runs.
func (a *assembly) State() StageState {
	return aggregateState(a.Stages())
}

// Err returns the first stage failure, in insertion order.
func (a *assembly) Err() error {
	return firstErr(a.Stages())
}

// CloseInput closes the first pipe, ending the stream for the first stage that reads it.
// It is how a pipeline fed through Put is drained: CloseInput, then Wait.
func (a *assembly) CloseInput() {
	a.mu.Lock()
	first := a.pipes[0]
	a.mu.Unlock()
	first.Close()
}

// Start reopens every pipe and starts every stage in insertion order. Workers run until
// Stop is called, ctx is cancelled, or their stream ends. Calling Start on a running
// pipeline is a no-op. If a stage fails to start, the stages already started are
// stopped again and the error is returned.
func (a *assembly) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.stages) == 0 {
		return NewPipelineLifecycleError("Start", fmt.Sprintf("pipeline '%s' cannot start", a.cfg.name), ErrEmptyPipeline)
	}
	if anyRunning(a.stages) {
		a.cfg.logger.Printf("DEBUG: Pipeline '%s' already running, Start ignored.", a.cfg.name)
		return nil
	}

	for _, p := range a.pipes {
		p.Reopen()
	}

	// Every worker of the previous run exited on its own and nobody waited for it.
	a.finishRun(a.run, firstErr(a.stages))
	a.run = nil

	run := &pipelineRun{started: time.Now()}
	run.ctx, run.span = startSpan(ctx, a.tracer, fmt.Sprintf("Pipeline:%s", a.cfg.name), trace.SpanKindInternal,
		attrPipelineName.String(a.cfg.name),
		attrPipelineStages.Int(len(a.stages)),
	)
	a.cfg.metricsCollector.PipelineStarted(run.ctx, a.cfg.name)
	a.cfg.logger.Printf("INFO: Starting pipeline '%s' with %d stages...", a.cfg.name, len(a.stages))

	for i, st := range a.stages {
		if err := st.Start(run.ctx); err != nil {
			a.cfg.logger.Printf("ERROR: Failed to start stage %d (%s): %v. Attempting cleanup...", i, st.Name(), err)
			rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultStopTimeout)
			if stopErr := stopStages(rollbackCtx, a.stages[:i]); stopErr != nil {
				a.cfg.logger.Printf("ERROR: Cleanup after failed start of pipeline '%s': %v", a.cfg.name, stopErr)
			}
			cancel()

			startErr := NewPipelineLifecycleError("Start", fmt.Sprintf("failed to start stage %d (%s)", i, st.Name()), err)
			a.finishRun(run, startErr)
			return startErr
		}
	}

	a.run = run
	a.cfg.logger.Printf("INFO: Pipeline '%s' started successfully.", a.cfg.name)
	return nil
}

// Stop stops every stage in insertion order and waits for their workers, bounded by ctx.
// Items still buffered in pipes are kept and resume flowing on the next Start; only an
// item a worker is holding at the time is dropped. Stop on a pipeline that is not
// running is a no-op.
func (a *assembly) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	run := a.run
	if run == nil && !anyRunning(a.stages) {
		a.cfg.logger.Printf("DEBUG: Stop called on already stopped or never started pipeline '%s'.", a.cfg.name)
		return nil
	}

	a.cfg.logger.Printf("INFO: Stopping pipeline '%s'...", a.cfg.name)
	stopErr := stopStages(ctx, a.stages)
	if stopErr != nil {
		a.cfg.logger.Printf("WARN: Pipeline '%s' stop incomplete: %v", a.cfg.name, stopErr)
	}

	runErr := stopErr
	if runErr == nil {
		runErr = firstErr(a.stages)
	}
	a.finishRun(run, runErr)
	a.run = nil

	a.cfg.logger.Printf("INFO: Pipeline '%s' stop sequence complete. Final error: %v", a.cfg.name, stopErr)
	return stopErr
}

// Wait blocks until every stage's worker has exited or ctx is done. It returns the
// stage failures of the run collected into a MultiError, nil if every stage ended
// normally, or a PipelineLifecycleError if ctx ended first or the pipeline was never
// started.
func (a *assembly) Wait(ctx context.Context) error {
	a.mu.Lock()
	stages := make([]Stage, len(a.stages))
	copy(stages, a.stages)
	run := a.run
	a.mu.Unlock()

	if aggregateState(stages) == StateCreated {
		return NewPipelineLifecycleError("Wait", fmt.Sprintf("pipeline '%s' has nothing to wait for", a.cfg.name), ErrPipelineNotStarted)
	}

	a.cfg.logger.Printf("INFO: Pipeline '%s' waiting for completion...", a.cfg.name)
	if err := waitStages(ctx, stages); err != nil {
		a.cfg.logger.Printf("WARN: Pipeline '%s' wait interrupted: %v", a.cfg.name, err)
		return err
	}

	var errs MultiError
	for _, st := range stages {
		errs.Add(st.Err())
	}
	runErr := errs.ErrorOrNil()

	a.mu.Lock()
	a.finishRun(run, runErr)
	if a.run == run {
		a.run = nil
	}
	a.mu.Unlock()

	a.cfg.logger.Printf("INFO: Pipeline '%s' finished waiting. Result error: %v", a.cfg.name, runErr)
	return runErr
}

// finishRun records the end of a run exactly once, whichever of Start, Stop or Wait
// gets there first.
func (a *assembly) finishRun(run *pipelineRun, err error) {
	if run == nil {
		return
	}
	run.once.Do(func() {
		duration := time.Since(run.started)
		a.cfg.metricsCollector.PipelineCompleted(context.WithoutCancel(run.ctx), a.cfg.name, duration, err)
		run.span.SetAttributes(attrStageState.String(aggregateState(a.stages).String()))
		endSpan(run.span, err, run.started)
	})
}

// Run executes a stage or pipeline from start to completion.
//
// It performs these actions:
//  1. Calls Start(ctx).
//  2. If Start succeeds, calls Wait(ctx) to block until every worker has exited.
//  3. Regardless of Wait's outcome, calls Stop with a fresh context and a fixed
//     timeout so workers are always joined.
//
// Returns the error from Start or Wait, or the Stop error if those succeeded.
func Run(ctx context.Context, stage Stage) error {
	if err := stage.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %q: %w", stage.Name(), err)
	}

	runErr := stage.Wait(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultStopTimeout)
	defer cancel()
	if stopErr := stage.Stop(stopCtx); stopErr != nil && runErr == nil {
		return stopErr
	}
	return runErr
}

// --- Pipeline ---

// Pipeline is a linear chain of stages: an optional source, any number of filters
// (each may change the element type) and an optional sink. S is the element type of
// the first pipe and K of the last one. Types between filters are checked as each
// stage is added, so a Pipeline never holds two stages that disagree on a pipe.
//
// Without a source, values are fed with Put; without a sink, results are read with Get.
type Pipeline[S, K any] struct {
	*assembly
}

// NewPipeline creates an empty pipeline whose first pipe carries S.
func NewPipeline[S, K any](options ...PipelineOption) *Pipeline[S, K] {
	a := newAssembly(nil, options)
	a.pipes[0] = NewPipe[S](a.cfg.bufferSize)
	return &Pipeline[S, K]{assembly: a}
}

// AddSource registers the stage producing into the first pipe. It must be the first
// stage added, and a pipeline has at most one.
func (p *Pipeline[S, K]) AddSource(produce SourceFunc[S], options ...StageOption) error {
	if produce == nil {
		panic("conduit.AddSource: produce function cannot be nil")
	}
	return p.addSource(linkSource(produce), options)
}

// AddSink registers the stage draining the last pipe, which must carry K.
// No stage can be added after the sink.
func (p *Pipeline[S, K]) AddSink(consume SinkFunc[K], options ...StageOption) error {
	if consume == nil {
		panic("conduit.AddSink: consume function cannot be nil")
	}
	return p.addSink(linkSink(consume), options)
}

// Put pushes a value into the first pipe. It is only available while the pipeline
// has no source, since a pipe has exactly one writer.
func (p *Pipeline[S, K]) Put(ctx context.Context, value S) error {
	p.mu.Lock()
	hasSource := p.hasSource
	first := p.pipes[0].(*Pipe[S])
	p.mu.Unlock()

	if hasSource {
		return NewPipelineLifecycleError("Put", fmt.Sprintf("pipeline '%s' input is written by its source", p.cfg.name), ErrSourceExists)
	}
	return first.Push(ctx, value)
}

// Get pops the next value from the last pipe. It is only available while the pipeline
// has no sink, and the last pipe must carry K. Get returns ErrPipeClosed once the
// stream has ended and the pipe is drained.
func (p *Pipeline[S, K]) Get(ctx context.Context) (K, error) {
	var zero K

	p.mu.Lock()
	hasSink := p.hasSink
	last := p.pipes[len(p.pipes)-1]
	p.mu.Unlock()

	if hasSink {
		return zero, NewPipelineLifecycleError("Get", fmt.Sprintf("pipeline '%s' output is drained by its sink", p.cfg.name), ErrPipelineSealed)
	}
	typed, err := assertPipe[K](last)
	if err != nil {
		return zero, newCompositionError("Get", p.cfg.name, len(p.pipes)-1, err)
	}
	return typed.Pop(ctx)
}

// AddFilter appends a filter reading the last pipe, which must carry I, and writing a
// new pipe of type O.
func AddFilter[S, K, I, O any](p *Pipeline[S, K], filter FilterFunc[I, O], options ...StageOption) error {
	if filter == nil {
		panic("conduit.AddFilter: filter function cannot be nil")
	}
	return p.addFilter("AddFilter", roleFilter, linkFilter(filter), options)
}

// AddComposite appends a composite filter reading the last pipe (type I) and writing a
// new pipe of type O. build adds the composite's inner filters and must complete the
// chain with AddLastFilter.
func AddComposite[S, K, I, O any](p *Pipeline[S, K], build func(*Composite[I, O]) error, options ...StageOption) error {
	if build == nil {
		panic("conduit.AddComposite: build function cannot be nil")
	}
	return p.addFilter("AddComposite", roleComposite, linkComposite(build), options)
}

var _ Stage = (*Pipeline[int, int])(nil)
