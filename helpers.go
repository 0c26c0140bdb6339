package conduit

import (
	"context"
	"sync"
)

// FromSlice returns a SourceFunc that emits items in order and then ends the stream.
// The position survives Stop/Start, so a restarted source continues where it left off.
func FromSlice[T any](items []T) SourceFunc[T] {
	var (
		mu   sync.Mutex
		next int
	)
	return func(_ context.Context) (T, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		var zero T
		if next >= len(items) {
			return zero, false, nil
		}
		item := items[next]
		next++
		return item, true, nil
	}
}

// FromChannel returns a SourceFunc that emits values received from ch until it is closed.
// A cancelled context interrupts the wait.
func FromChannel[T any](ch <-chan T) SourceFunc[T] {
	return func(ctx context.Context) (T, bool, error) {
		var zero T
		select {
		case item, ok := <-ch:
			return item, ok, nil
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}
}

// Collector accumulates every value handed to its sink. It is safe for concurrent use,
// so tests and callers can read Items while the pipeline is still running.
type Collector[T any] struct {
	mu    sync.RWMutex
	items []T
}

// NewCollector creates an empty Collector.
func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{}
}

// Sink returns the SinkFunc that appends to the collector.
func (c *Collector[T]) Sink() SinkFunc[T] {
	return func(_ context.Context, item T) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.items = append(c.items, item)
		return nil
	}
}

// Items returns a copy of the collected values, in arrival order.
func (c *Collector[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	items := make([]T, len(c.items))
	copy(items, c.items)
	return items
}

// Len returns the number of collected values.
func (c *Collector[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Reset discards the collected values.
func (c *Collector[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}
