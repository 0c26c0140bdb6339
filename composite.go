package conduit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// chainPosition says where a filter is appended to a composite chain.
type chainPosition int

const (
	chainFirst chainPosition = iota
	chainNext
	chainLast
)

// chain is the untyped core of a composite filter: an ordered list of filters joined
// by private pipes, between an external input and an external output pipe.
type chain struct {
	cfg *stageConfig

	mu      sync.Mutex
	in      pipeHandle
	out     pipeHandle // nil until known; set by the last filter for config-built chains
	pipes   []pipeHandle
	filters []Stage
	sealed  bool
}

func newChain(in, out pipeHandle, options []StageOption) *chain {
	return &chain{
		cfg: newStageConfig(roleComposite, options),
		in:  in,
		out: out,
	}
}

// Name returns the composite name.
func (c *chain) Name() string {
	return c.cfg.name
}

// State folds the states of the inner filters.
func (c *chain) State() StageState {
	return aggregateState(c.snapshot())
}

// Err returns the first failure among the inner filters.
func (c *chain) Err() error {
	return firstErr(c.snapshot())
}

// Len returns the number of filters in the chain.
func (c *chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.filters)
}

// Stages returns the inner filters in chain order.
func (c *chain) Stages() []Stage {
	return c.snapshot()
}

func (c *chain) snapshot() []Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	stages := make([]Stage, len(c.filters))
	copy(stages, c.filters)
	return stages
}

// add appends one filter at pos. The filter reads from the composite input (first
// filter) or the previous private pipe, and writes to a new private pipe or, for the
// last filter, the composite output.
func (c *chain) add(op string, pos chainPosition, link filterLinker, options []StageOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	index := len(c.filters)
	fail := func(err error) error {
		c.cfg.logger.Printf("ERROR: Composite '%s': %s rejected filter %d: %v", c.cfg.name, op, index, err)
		return newCompositionError(op, c.cfg.name, index, err)
	}

	if anyRunning(c.filters) {
		return fail(ErrStageRunning)
	}
	if c.sealed {
		return fail(ErrChainSealed)
	}

	in := c.in
	switch pos {
	case chainFirst:
		if index > 0 {
			return fail(ErrChainNotEmpty)
		}
	case chainNext:
		if index == 0 {
			return fail(ErrChainEmpty)
		}
		in = c.pipes[len(c.pipes)-1]
	case chainLast:
		if index > 0 {
			in = c.pipes[len(c.pipes)-1]
		}
	}

	var out pipeHandle
	if pos == chainLast {
		out = c.out
	}

	stage, created, err := link(in, out, c.cfg.bufferSize, c.filterOptions(index, options))
	if err != nil {
		return fail(err)
	}

	c.filters = append(c.filters, stage)
	if pos == chainLast {
		c.out = created
		c.sealed = true
	} else {
		c.pipes = append(c.pipes, created)
	}
	c.cfg.logger.Printf("DEBUG: Composite '%s': added filter %d (%s)", c.cfg.name, index, stage.Name())
	return nil
}

// sealWithLastPipe turns the most recent private pipe into the composite output.
// It is used when the output type is only known once the last filter is linked.
func (c *chain) sealWithLastPipe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pipes) == 0 {
		return newCompositionError("Seal", c.cfg.name, 0, ErrChainEmpty)
	}
	c.out = c.pipes[len(c.pipes)-1]
	c.pipes = c.pipes[:len(c.pipes)-1]
	c.sealed = true
	return nil
}

// filterOptions gives inner filters the composite's logger, metrics and tracer,
// an indexed default name, and the first filter the composite's rate limiter.
func (c *chain) filterOptions(index int, extra []StageOption) []StageOption {
	options := []StageOption{
		WithStageName(fmt.Sprintf("%s[%d]", c.cfg.name, index)),
		WithStageLogger(c.cfg.logger),
		WithStageMetrics(c.cfg.metricsCollector),
		WithStageTracerProvider(c.cfg.tracerProvider),
		withStageIndex(index),
	}
	if index == 0 && c.cfg.limiter != nil {
		options = append(options, WithStageLimiter(c.cfg.limiter))
	}
	return append(options, extra...)
}

// Start reopens the private pipes and starts every filter in chain order.
// If a filter fails to start, the filters already started are stopped again.
func (c *chain) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sealed {
		return NewPipelineLifecycleError("Start", fmt.Sprintf("composite '%s' cannot start", c.cfg.name), ErrChainIncomplete)
	}
	if anyRunning(c.filters) {
		c.cfg.logger.Printf("DEBUG: Composite '%s' already running, Start ignored.", c.cfg.name)
		return nil
	}

	for _, p := range c.pipes {
		p.Reopen()
	}

	c.cfg.logger.Printf("DEBUG: Starting composite '%s' with %d filters", c.cfg.name, len(c.filters))
	for i, f := range c.filters {
		if err := f.Start(ctx); err != nil {
			c.cfg.logger.Printf("ERROR: Composite '%s': failed to start filter %d (%s): %v", c.cfg.name, i, f.Name(), err)
			rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultStopTimeout)
			_ = stopStages(rollbackCtx, c.filters[:i])
			cancel()
			return NewPipelineLifecycleError("Start", fmt.Sprintf("composite '%s' failed to start filter %d", c.cfg.name, i), err)
		}
	}
	return nil
}

// Stop stops every filter in chain order. Errors are collected into a MultiError.
func (c *chain) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return stopStages(ctx, c.filters)
}

// Wait blocks until every filter has exited or ctx is done.
func (c *chain) Wait(ctx context.Context) error {
	if err := waitStages(ctx, c.snapshot()); err != nil {
		return err
	}
	return c.Err()
}

// Clear stops the chain and forgets its filters and private pipes, so the composite
// can be built again from scratch.
func (c *chain) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := stopStages(ctx, c.filters)
	if err != nil {
		return err
	}
	c.filters = nil
	c.pipes = nil
	c.sealed = false
	return nil
}

// Composite is a filter stage built from a private chain of filters. Only its input
// and output pipes are visible; the element types between inner filters are checked
// as each filter is added.
//
// A Composite is built with AddFirstFilter, any number of AddNextFilter calls and
// AddLastFilter, or with AddLastFilter alone for a single-filter chain.
type Composite[I, O any] struct {
	*chain
	in  *Pipe[I]
	out *Pipe[O]
}

// NewComposite creates an empty composite between in and out.
func NewComposite[I, O any](in *Pipe[I], out *Pipe[O], options ...StageOption) *Composite[I, O] {
	if in == nil || out == nil {
		panic("conduit.NewComposite: input and output pipes cannot be nil")
	}
	return &Composite[I, O]{
		chain: newChain(in, out, options),
		in:    in,
		out:   out,
	}
}

// Input returns the pipe the first inner filter reads from.
func (c *Composite[I, O]) Input() *Pipe[I] {
	return c.in
}

// Output returns the pipe the last inner filter writes to.
func (c *Composite[I, O]) Output() *Pipe[O] {
	return c.out
}

var _ DataFilter[int, string] = (*Composite[int, string])(nil)

// AddFirstFilter starts the chain with a filter reading the composite's input.
// Its output goes to a new private pipe of type R.
func AddFirstFilter[I, O, R any](c *Composite[I, O], filter FilterFunc[I, R], options ...StageOption) error {
	return c.add("AddFirstFilter", chainFirst, linkFilter(filter), options)
}

// AddNextFilter appends a filter reading the previous private pipe, which must carry A.
func AddNextFilter[I, O, A, R any](c *Composite[I, O], filter FilterFunc[A, R], options ...StageOption) error {
	return c.add("AddNextFilter", chainNext, linkFilter(filter), options)
}

// AddLastFilter closes the chain with a filter writing the composite's output.
// It reads the previous private pipe, or the composite's input if the chain is empty.
func AddLastFilter[I, O, A any](c *Composite[I, O], filter FilterFunc[A, O], options ...StageOption) error {
	return c.add("AddLastFilter", chainLast, linkFilter(filter), options)
}

// linkComposite returns the linker that builds a Composite on the given pipes and
// lets build add its filters. The composite must be complete when build returns.
func linkComposite[I, O any](build func(*Composite[I, O]) error) filterLinker {
	return func(in, out pipeHandle, capacity int, options []StageOption) (Stage, pipeHandle, error) {
		typedIn, err := assertPipe[I](in)
		if err != nil {
			return nil, nil, err
		}
		typedOut, err := outputPipe[O](out, capacity)
		if err != nil {
			return nil, nil, err
		}

		options = append([]StageOption{WithStageBufferSize(capacity)}, options...)
		c := NewComposite(typedIn, typedOut, options...)
		if err := build(c); err != nil {
			return nil, nil, err
		}
		if !c.sealed {
			return nil, nil, ErrChainIncomplete
		}
		return c, typedOut, nil
	}
}

// chainLink is one filter of a chain that is only known through its linker.
type chainLink struct {
	link    filterLinker
	options []StageOption
}

// linkChain returns the linker for a composite whose filters are only known as
// linkers, as when the chain comes from configuration. The composite's output pipe
// is the one created by its last filter.
func linkChain(links []chainLink) filterLinker {
	return func(in, _ pipeHandle, capacity int, options []StageOption) (Stage, pipeHandle, error) {
		if len(links) == 0 {
			return nil, nil, ErrChainEmpty
		}

		options = append([]StageOption{WithStageBufferSize(capacity)}, options...)
		c := newChain(in, nil, options)
		for i, l := range links {
			pos := chainNext
			if i == 0 {
				pos = chainFirst
			}
			if err := c.add("AddFilter", pos, l.link, l.options); err != nil {
				return nil, nil, err
			}
		}
		if err := c.sealWithLastPipe(); err != nil {
			return nil, nil, err
		}
		return c, c.out, nil
	}
}

// --- Shared stage-list helpers ---

const defaultStopTimeout = 15 * time.Second

func anyRunning(stages []Stage) bool {
	for _, st := range stages {
		if st.State() == StateRunning {
			return true
		}
	}
	return false
}

// stopStages stops stages in order and collects their errors.
func stopStages(ctx context.Context, stages []Stage) error {
	var errs MultiError
	for _, st := range stages {
		errs.Add(st.Stop(ctx))
	}
	return errs.ErrorOrNil()
}

// waitStages waits for every stage concurrently. It returns a lifecycle error if ctx
// ends first; stage failures are left to the caller to collect.
func waitStages(ctx context.Context, stages []Stage) error {
	var g errgroup.Group
	for _, st := range stages {
		g.Go(func() error {
			return st.Wait(ctx)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() != nil {
		return NewPipelineLifecycleError("Wait", "stages did not finish", ctx.Err())
	}
	return nil
}
