package conduit

import "context"

// SinkFunc consumes one value. A non-nil error fails the sink.
type SinkFunc[T any] func(ctx context.Context, item T) error

// Consume adapts a plain function to a SinkFunc.
func Consume[T any](fn func(T)) SinkFunc[T] {
	return func(_ context.Context, item T) error {
		fn(item)
		return nil
	}
}

// SimpleSink pops values from its input pipe and hands each to its SinkFunc.
// It stops once the input is closed and drained.
type SimpleSink[T any] struct {
	*stageCore
	consume SinkFunc[T]
	in      *Pipe[T]
}

// NewSink creates a sink reading from in. The sink does not run until Start.
func NewSink[T any](consume SinkFunc[T], in *Pipe[T], options ...StageOption) *SimpleSink[T] {
	if consume == nil {
		panic("conduit.NewSink: consume function cannot be nil")
	}
	if in == nil {
		panic("conduit.NewSink: input pipe cannot be nil")
	}

	cfg := newStageConfig(roleSink, options)
	s := &SimpleSink[T]{consume: consume, in: in}
	s.stageCore = newStageCore(roleSink, cfg, in, nil)
	s.iterate = s.step
	return s
}

// Input returns the pipe the sink reads from.
func (s *SimpleSink[T]) Input() *Pipe[T] {
	return s.in
}

func (s *SimpleSink[T]) step(ctx context.Context) error {
	item, err := popInput(ctx, s.in)
	if err != nil {
		return err
	}
	return s.invoke(ctx, func(callCtx context.Context) error {
		return s.consume(callCtx, item)
	})
}

var _ DataSink[int] = (*SimpleSink[int])(nil)
