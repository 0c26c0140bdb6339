package conduit

import "context"

// SourceFunc produces the next value of a stream. Returning more == false ends the
// stream: the value is discarded and the source's output pipe is closed.
// A non-nil error fails the source.
type SourceFunc[T any] func(ctx context.Context) (item T, more bool, err error)

// Produce adapts a plain generator to a SourceFunc.
func Produce[T any](fn func() (T, bool)) SourceFunc[T] {
	return func(_ context.Context) (T, bool, error) {
		item, more := fn()
		return item, more, nil
	}
}

// SimpleSource calls its SourceFunc in a loop and pushes each value to its output pipe.
type SimpleSource[T any] struct {
	*stageCore
	produce SourceFunc[T]
	out     *Pipe[T]
}

// NewSource creates a source writing to out. The source does not run until Start.
func NewSource[T any](produce SourceFunc[T], out *Pipe[T], options ...StageOption) *SimpleSource[T] {
	if produce == nil {
		panic("conduit.NewSource: produce function cannot be nil")
	}
	if out == nil {
		panic("conduit.NewSource: output pipe cannot be nil")
	}

	cfg := newStageConfig(roleSource, options)
	s := &SimpleSource[T]{produce: produce, out: out}
	s.stageCore = newStageCore(roleSource, cfg, nil, out)
	s.iterate = s.step
	return s
}

// Output returns the pipe the source writes to.
func (s *SimpleSource[T]) Output() *Pipe[T] {
	return s.out
}

func (s *SimpleSource[T]) step(ctx context.Context) error {
	var (
		item T
		more bool
	)
	err := s.invoke(ctx, func(callCtx context.Context) error {
		var callErr error
		item, more, callErr = s.produce(callCtx)
		return callErr
	})
	if err != nil {
		return err
	}
	if !more {
		return errEndOfStream
	}
	return pushOutput(ctx, s.out, item)
}

var _ DataSource[int] = (*SimpleSource[int])(nil)
