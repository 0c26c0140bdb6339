package conduit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Stage roles, used as span attributes and in default names.
const (
	roleSource    = "source"
	roleFilter    = "filter"
	roleSink      = "sink"
	roleComposite = "composite"
)

// Worker exit reasons that are not failures.
var (
	errEndOfStream  = errors.New("source reached end of stream")
	errInputClosed  = errors.New("input pipe closed")
	errOutputClosed = errors.New("output pipe closed")
)

// --- Stage Configuration ---

// stageConfig holds the options applied to a single stage.
type stageConfig struct {
	name             string
	index            int
	logger           *log.Logger
	metricsCollector MetricsCollector
	tracerProvider   TracerProvider
	limiter          *rate.Limiter
	bufferSize       int
}

// StageOption configures a stage. Pipelines pass their own logger, metrics collector
// and tracer provider to every stage first, so options given per stage override them.
type StageOption func(*stageConfig)

// WithStageName sets the name used in logs, metrics and traces.
func WithStageName(name string) StageOption {
	return func(cfg *stageConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithStageLogger sets the logger for the stage. A nil logger discards output.
func WithStageLogger(logger *log.Logger) StageOption {
	return func(cfg *stageConfig) {
		if logger == nil {
			logger = log.New(io.Discard, "", 0)
		}
		cfg.logger = logger
	}
}

// WithStageMetrics sets the metrics collector for the stage.
// If nil is provided, the DefaultMetricsCollector (a no-op collector) is used.
func WithStageMetrics(collector MetricsCollector) StageOption {
	return func(cfg *stageConfig) {
		if collector == nil {
			collector = DefaultMetricsCollector
		}
		cfg.metricsCollector = collector
	}
}

// WithStageTracerProvider sets the tracer provider for the stage's spans.
// If nil is provided, DefaultTracerProvider is used.
func WithStageTracerProvider(provider TracerProvider) StageOption {
	return func(cfg *stageConfig) {
		if provider == nil {
			provider = DefaultTracerProvider
		}
		cfg.tracerProvider = provider
	}
}

// WithStageBufferSize sets the capacity of the pipes a composite creates between its
// filters. A size <= 0 makes them unbounded. Simple stages ignore it.
func WithStageBufferSize(size int) StageOption {
	return func(cfg *stageConfig) {
		cfg.bufferSize = size
	}
}

func withStageIndex(index int) StageOption {
	return func(cfg *stageConfig) {
		cfg.index = index
	}
}

func newStageConfig(defaultName string, options []StageOption) *stageConfig {
	cfg := &stageConfig{
		name:             defaultName,
		logger:           log.New(io.Discard, "", 0),
		metricsCollector: DefaultMetricsCollector,
		tracerProvider:   DefaultTracerProvider,
		bufferSize:       DefaultBufferSize,
	}
	for _, option := range options {
		option(cfg)
	}
	return cfg
}

// --- Worker ---

// stageCore runs one worker goroutine for a simple stage and owns its lifecycle.
// Roles embed it and provide iterate, which performs one pop/call/push round.
type stageCore struct {
	cfg     *stageConfig
	role    string
	tracer  trace.Tracer
	input   pipeHandle // nil for sources
	output  pipeHandle // nil for sinks
	iterate func(ctx context.Context) error

	mu     sync.Mutex
	state  StageState
	err    error
	cancel context.CancelFunc
	done   chan struct{} // closed when the current worker has exited
}

func newStageCore(role string, cfg *stageConfig, input, output pipeHandle) *stageCore {
	return &stageCore{
		cfg:    cfg,
		role:   role,
		tracer: cfg.tracerProvider.Tracer(fmt.Sprintf("conduit/stage/%s", cfg.name)),
		input:  input,
		output: output,
		state:  StateCreated,
	}
}

// Name returns the stage name.
func (s *stageCore) Name() string {
	return s.cfg.name
}

// State returns the current lifecycle state.
func (s *stageCore) State() StageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure of the last run, or nil.
func (s *stageCore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start spawns the worker goroutine. It is a no-op if the worker is already running.
func (s *stageCore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		s.cfg.logger.Printf("DEBUG: Stage '%s' already running, Start ignored.", s.cfg.name)
		return nil
	}
	if s.done != nil {
		// The previous worker has recorded its final state; it only has to close done.
		<-s.done
	}
	if err := ctx.Err(); err != nil {
		return NewPipelineLifecycleError("Start", fmt.Sprintf("stage '%s' not started", s.cfg.name), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	runCtx, span := startSpan(runCtx, s.tracer,
		fmt.Sprintf("Stage[%d]:%s", s.cfg.index, s.cfg.name),
		trace.SpanKindInternal,
		attrStageName.String(s.cfg.name),
		attrStageIndex.Int(s.cfg.index),
		attrStageRole.String(s.role),
	)

	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.state = StateRunning
	s.err = nil

	s.cfg.metricsCollector.StageStarted(runCtx, s.cfg.name)
	s.cfg.logger.Printf("DEBUG: Starting stage %d (%s)", s.cfg.index, s.cfg.name)

	go s.run(runCtx, cancel, span, done)
	return nil
}

// Stop cancels the worker and waits for it to exit. ctx bounds the wait.
// It is a no-op if the stage is not running.
func (s *stageCore) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done, state := s.cancel, s.done, s.state
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	if state == StateRunning {
		s.cfg.logger.Printf("DEBUG: Stopping stage %d (%s)...", s.cfg.index, s.cfg.name)
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cfg.logger.Printf("WARN: Stage '%s' did not stop in time: %v", s.cfg.name, ctx.Err())
		return NewPipelineLifecycleError("Stop", fmt.Sprintf("stage '%s' did not stop in time", s.cfg.name), ctx.Err())
	}
}

// Wait blocks until the worker exits or ctx is done.
func (s *stageCore) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stageCore) run(ctx context.Context, cancel context.CancelFunc, span trace.Span, done chan struct{}) {
	defer close(done)
	defer cancel()

	started := time.Now()
	err := s.loop(ctx)
	s.finish(ctx, err, span, started)
}

func (s *stageCore) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.cfg.limiter != nil {
			if err := s.cfg.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := s.iterate(ctx); err != nil {
			return err
		}
	}
}

// finish classifies why the worker loop ended, propagates shutdown to the
// neighbouring pipes and records the final state. Updating the state is the last
// thing it does under the lock, so Start can safely wait for done afterwards.
func (s *stageCore) finish(ctx context.Context, err error, span trace.Span, started time.Time) {
	name := s.cfg.name
	reportCtx := context.WithoutCancel(ctx)

	var failure error
	switch {
	case ctx.Err() != nil:
		s.cfg.logger.Printf("DEBUG: Stage %d (%s) stopped.", s.cfg.index, name)
	case errors.Is(err, errEndOfStream), errors.Is(err, errInputClosed):
		s.closeOutput()
		s.cfg.logger.Printf("DEBUG: Stage %d (%s) finished, end of stream.", s.cfg.index, name)
	case errors.Is(err, errOutputClosed):
		s.closeInput()
		s.cfg.logger.Printf("DEBUG: Stage %d (%s) output closed downstream, shutting down.", s.cfg.index, name)
	default:
		failure = NewStageError(name, s.cfg.index, err)
		s.closeInput()
		s.closeOutput()
		s.cfg.logger.Printf("ERROR: Stage %d (%s) failed: %v", s.cfg.index, name, err)
		s.cfg.metricsCollector.StageError(reportCtx, name, err)
	}

	s.cfg.metricsCollector.StageCompleted(reportCtx, name, time.Since(started))

	final := StateStopped
	if failure != nil {
		final = StateFailed
	}
	span.SetAttributes(attrStageState.String(final.String()))
	endSpan(span, failure, started)

	s.mu.Lock()
	s.state = final
	s.err = failure
	s.mu.Unlock()
}

// invoke runs one user callback with a span, metrics and panic recovery.
//
//nolint:nonamedreturns // err is set by the recover handler
func (s *stageCore) invoke(ctx context.Context, call func(ctx context.Context) error) (err error) {
	callCtx, span := startSpan(ctx, s.tracer, s.cfg.name+".process", trace.SpanKindInternal,
		attrStageName.String(s.cfg.name),
		attrStageRole.String(s.role),
	)
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStagePanic, r)
			s.cfg.logger.Printf("ERROR: Stage '%s' callback panicked: %v\n%s", s.cfg.name, r, debug.Stack())
		}
		if err == nil {
			s.cfg.metricsCollector.StageWorkerItemProcessed(ctx, s.cfg.name, time.Since(started))
		}
		endSpan(span, err, started)
	}()

	return call(callCtx)
}

func (s *stageCore) closeInput() {
	if s.input != nil {
		s.input.Close()
	}
}

func (s *stageCore) closeOutput() {
	if s.output != nil {
		s.output.Close()
	}
}

// popInput reads the next item, mapping the end of the input stream to errInputClosed.
func popInput[T any](ctx context.Context, in *Pipe[T]) (T, error) {
	item, err := in.Pop(ctx)
	if errors.Is(err, ErrPipeClosed) {
		return item, errInputClosed
	}
	return item, err
}

// pushOutput writes item, mapping a closed output to errOutputClosed.
func pushOutput[T any](ctx context.Context, out *Pipe[T], item T) error {
	err := out.Push(ctx, item)
	if errors.Is(err, ErrPipeClosed) {
		return errOutputClosed
	}
	return err
}
