package conduit_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/synoptiq/go-conduit"
)

// TestStageRateLimit verifies a limited stage does not exceed its rate after the initial burst
func TestStageRateLimit(t *testing.T) {
	ctx := context.Background()
	collector := conduit.NewCollector[int]()

	p := conduit.NewPipeline[int, int]()
	require.NoError(t, p.AddSource(conduit.FromSlice([]int{1, 2, 3, 4, 5, 6})))
	// 50 per second with a burst of 1: five waits of 20ms after the first item
	require.NoError(t, conduit.AddFilter(p, conduit.Transform(double), conduit.WithStageRateLimit(50, 1)))
	require.NoError(t, p.AddSink(collector.Sink()))

	start := time.Now()
	require.NoError(t, conduit.Run(ctx, p))
	elapsed := time.Since(start)

	assert.Equal(t, []int{2, 4, 6, 8, 10, 12}, collector.Items())
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond, "rate limit was not applied")
}

// TestStageRateLimitBurst verifies the burst lets the first items through without waiting
func TestStageRateLimitBurst(t *testing.T) {
	ctx := context.Background()
	out := conduit.NewPipe[int](0)
	var produced atomic.Int64

	src := conduit.NewSource(conduit.Produce(func() (int, bool) {
		return int(produced.Add(1)), true
	}), out, conduit.WithStageRateLimit(1, 5))

	require.NoError(t, src.Start(ctx))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, src.Stop(ctx))

	// 5 from the burst; the refill in 100ms at 1/s is not enough for another
	assert.Equal(t, int64(5), produced.Load())
}

// TestStageRateLimitZeroBurst verifies a burst below one still lets items through
func TestStageRateLimitZeroBurst(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	in := conduit.NewPipe[int](0)
	collector := conduit.NewCollector[int]()
	sink := conduit.NewSink(collector.Sink(), in, conduit.WithStageRateLimit(1000, 0))

	require.NoError(t, sink.Start(ctx))
	feed(t, in, 1, 2, 3)
	require.NoError(t, sink.Wait(ctx))
	assert.Equal(t, []int{1, 2, 3}, collector.Items())
}

// TestStageRateLimitStop verifies Stop interrupts a stage waiting for a token
func TestStageRateLimitStop(t *testing.T) {
	ctx := context.Background()
	in := conduit.NewPipe[int](0)
	sink := conduit.NewSink(conduit.Consume(func(int) {}), in, conduit.WithStageRateLimit(0.1, 1))

	require.NoError(t, sink.Start(ctx))
	require.NoError(t, in.Push(ctx, 1))
	require.NoError(t, in.Push(ctx, 2))
	time.Sleep(20 * time.Millisecond) // first token used, second wait is ~10s

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, sink.Stop(stopCtx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, conduit.StateStopped, sink.State())
}

// TestSharedLimiter verifies stages sharing a limiter are capped together and can be retuned at runtime
func TestSharedLimiter(t *testing.T) {
	ctx := context.Background()
	limiter := rate.NewLimiter(rate.Every(time.Hour), 2)
	var a, b atomic.Int64

	outA := conduit.NewPipe[int](0)
	outB := conduit.NewPipe[int](0)
	srcA := conduit.NewSource(conduit.Produce(func() (int, bool) { return int(a.Add(1)), true }), outA,
		conduit.WithStageLimiter(limiter))
	srcB := conduit.NewSource(conduit.Produce(func() (int, bool) { return int(b.Add(1)), true }), outB,
		conduit.WithStageLimiter(limiter))

	require.NoError(t, srcA.Start(ctx))
	require.NoError(t, srcB.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), a.Load()+b.Load(), "two stages share one burst of 2")

	// Waits already in progress keep their reservation, so restart after retuning
	require.NoError(t, srcA.Stop(ctx))
	require.NoError(t, srcB.Stop(ctx))
	limiter.SetLimit(rate.Inf)
	require.NoError(t, srcA.Start(ctx))
	require.NoError(t, srcB.Start(ctx))
	require.Eventually(t, func() bool { return a.Load()+b.Load() > 100 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srcA.Stop(ctx))
	require.NoError(t, srcB.Stop(ctx))
}

// TestCompositeRateLimit verifies a composite's limiter applies to its first inner filter
func TestCompositeRateLimit(t *testing.T) {
	ctx := context.Background()
	in := conduit.NewPipe[int](0)
	out := conduit.NewPipe[int](0)
	comp := conduit.NewComposite(in, out, conduit.WithStageRateLimit(50, 1))
	require.NoError(t, conduit.AddFirstFilter(comp, conduit.Transform(double)))
	require.NoError(t, conduit.AddLastFilter(comp, conduit.Transform(increment)))

	start := time.Now()
	require.NoError(t, comp.Start(ctx))
	feed(t, in, 1, 2, 3, 4, 5)
	assert.Equal(t, []int{3, 5, 7, 9, 11}, drain(t, out))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}
