package conduit

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// ErrPipeClosed is returned by Push on a closed pipe, and by Pop once a closed pipe
// has been drained. It is the end-of-stream signal that travels between stages.
var ErrPipeClosed = errors.New("pipe closed")

// pipeHandle is the type-erased view of a Pipe used while composing stages.
// The concrete *Pipe[T] is recovered with a checked type assertion (see assertPipe),
// once per composition call and never on the data path.
type pipeHandle interface {
	ElemType() reflect.Type
	Len() int
	Cap() int
	Closed() bool
	Close()
	Reopen()
}

// Pipe is a blocking FIFO that hands values of one type from a single writer stage
// to a single reader stage.
//
// A Pipe created with a positive capacity is bounded: Push blocks while it is full.
// A capacity <= 0 makes it unbounded. Pop blocks while the pipe is empty.
// Both operations return ctx.Err() as soon as the context is cancelled, which is
// how a stopping stage is released from a blocked wait.
type Pipe[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool
	closedCh chan struct{}

	// One-slot wake-up tokens. Waiters re-check state after waking, so stale
	// tokens only cost a loop iteration.
	readable chan struct{}
	writable chan struct{}
}

// NewPipe creates a pipe holding at most capacity items. capacity <= 0 means unbounded.
func NewPipe[T any](capacity int) *Pipe[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Pipe[T]{
		capacity: capacity,
		closedCh: make(chan struct{}),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

// Push appends v, blocking while the pipe is full.
// Returns ErrPipeClosed if the pipe is (or becomes) closed, or ctx.Err() if the
// context is cancelled first.
func (p *Pipe[T]) Push(ctx context.Context, v T) error {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPipeClosed
		}
		if p.hasRoomLocked() {
			p.items = append(p.items, v)
			roomLeft := p.hasRoomLocked()
			p.mu.Unlock()

			signal(p.readable)
			if roomLeft {
				signal(p.writable)
			}
			return nil
		}
		closedCh := p.closedCh
		p.mu.Unlock()

		select {
		case <-p.writable:
		case <-closedCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop removes and returns the oldest item, blocking while the pipe is empty.
// Items pushed before Close are still delivered; after that Pop returns ErrPipeClosed.
func (p *Pipe[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		p.mu.Lock()
		if len(p.items) > 0 {
			v := p.items[0]
			p.items[0] = zero
			p.items = p.items[1:]
			more := len(p.items) > 0
			p.mu.Unlock()

			signal(p.writable)
			if more {
				signal(p.readable)
			}
			return v, nil
		}
		if p.closed {
			p.mu.Unlock()
			return zero, ErrPipeClosed
		}
		closedCh := p.closedCh
		p.mu.Unlock()

		select {
		case <-p.readable:
		case <-closedCh:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close marks the end of the stream. Blocked writers fail with ErrPipeClosed,
// readers drain what is left. Calling Close more than once is a no-op.
func (p *Pipe[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.closedCh)
}

// Reopen clears the closed flag so the pipe can carry a new stream.
// Items still buffered are kept.
func (p *Pipe[T]) Reopen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return
	}
	p.closed = false
	p.closedCh = make(chan struct{})
}

// Closed reports whether Close has been called since the last Reopen.
func (p *Pipe[T]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Len returns the number of buffered items.
func (p *Pipe[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Cap returns the configured capacity, 0 for an unbounded pipe.
func (p *Pipe[T]) Cap() int {
	return p.capacity
}

// ElemType returns the element type carried by the pipe.
func (p *Pipe[T]) ElemType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (p *Pipe[T]) hasRoomLocked() bool {
	return p.capacity == 0 || len(p.items) < p.capacity
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// assertPipe recovers a typed pipe from its erased handle.
func assertPipe[T any](h pipeHandle) (*Pipe[T], error) {
	if typed, ok := h.(*Pipe[T]); ok {
		return typed, nil
	}
	return nil, &CompositionError{
		Expected: reflect.TypeFor[T](),
		Actual:   h.ElemType(),
		Err:      ErrTypeMismatch,
	}
}

var _ pipeHandle = (*Pipe[int])(nil)
