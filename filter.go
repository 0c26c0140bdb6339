package conduit

import "context"

// FilterFunc transforms one input value into one output value.
// A non-nil error fails the filter.
type FilterFunc[I, O any] func(ctx context.Context, in I) (O, error)

// Transform adapts a plain function to a FilterFunc.
func Transform[I, O any](fn func(I) O) FilterFunc[I, O] {
	return func(_ context.Context, in I) (O, error) {
		return fn(in), nil
	}
}

// SimpleFilter pops a value from its input pipe, applies its FilterFunc and pushes
// the result to its output pipe. When the input is closed and drained it closes the
// output, so the end of the stream travels downstream.
type SimpleFilter[I, O any] struct {
	*stageCore
	filter FilterFunc[I, O]
	in     *Pipe[I]
	out    *Pipe[O]
}

// NewFilter creates a filter between in and out. The filter does not run until Start.
func NewFilter[I, O any](filter FilterFunc[I, O], in *Pipe[I], out *Pipe[O], options ...StageOption) *SimpleFilter[I, O] {
	if filter == nil {
		panic("conduit.NewFilter: filter function cannot be nil")
	}
	if in == nil || out == nil {
		panic("conduit.NewFilter: input and output pipes cannot be nil")
	}

	cfg := newStageConfig(roleFilter, options)
	f := &SimpleFilter[I, O]{filter: filter, in: in, out: out}
	f.stageCore = newStageCore(roleFilter, cfg, in, out)
	f.iterate = f.step
	return f
}

// Input returns the pipe the filter reads from.
func (f *SimpleFilter[I, O]) Input() *Pipe[I] {
	return f.in
}

// Output returns the pipe the filter writes to.
func (f *SimpleFilter[I, O]) Output() *Pipe[O] {
	return f.out
}

func (f *SimpleFilter[I, O]) step(ctx context.Context) error {
	item, err := popInput(ctx, f.in)
	if err != nil {
		return err
	}

	var result O
	err = f.invoke(ctx, func(callCtx context.Context) error {
		var callErr error
		result, callErr = f.filter(callCtx, item)
		return callErr
	})
	if err != nil {
		return err
	}
	return pushOutput(ctx, f.out, result)
}

var _ DataFilter[int, string] = (*SimpleFilter[int, string])(nil)

// filterLinker attaches a filter-shaped stage to an erased input pipe. If out is nil a
// new pipe with the given capacity is created for the stage's output. It returns the
// stage and its output pipe, or a CompositionError when a pipe carries the wrong type.
//
// Pipelines, composite chains and the config registry all compose stages through it,
// so the typed constructors stay the only place where element types are known.
type filterLinker func(in, out pipeHandle, capacity int, options []StageOption) (Stage, pipeHandle, error)

// linkFilter returns the linker for a SimpleFilter running filter.
func linkFilter[I, O any](filter FilterFunc[I, O]) filterLinker {
	return func(in, out pipeHandle, capacity int, options []StageOption) (Stage, pipeHandle, error) {
		typedIn, err := assertPipe[I](in)
		if err != nil {
			return nil, nil, err
		}
		typedOut, err := outputPipe[O](out, capacity)
		if err != nil {
			return nil, nil, err
		}
		return NewFilter(filter, typedIn, typedOut, options...), typedOut, nil
	}
}

// outputPipe returns out as a *Pipe[O], or a new pipe if out is nil.
func outputPipe[O any](out pipeHandle, capacity int) (*Pipe[O], error) {
	if out == nil {
		return NewPipe[O](capacity), nil
	}
	return assertPipe[O](out)
}
