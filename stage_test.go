package conduit_test

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synoptiq/go-conduit"
)

// waitForState polls until the stage reaches want or the timeout expires
func waitForState(t *testing.T, stage conduit.Stage, want conduit.StageState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return stage.State() == want
	}, 2*time.Second, 5*time.Millisecond, "stage %q never reached %s (is %s)", stage.Name(), want, stage.State())
}

// TestSourceEndOfStream verifies a source pushes every value, then closes its output and stops
func TestSourceEndOfStream(t *testing.T) {
	ctx := context.Background()
	out := conduit.NewPipe[int](0)
	src := conduit.NewSource(conduit.FromSlice([]int{1, 2, 3}), out, conduit.WithStageName("numbers"))

	assert.Equal(t, "numbers", src.Name())
	assert.Equal(t, conduit.StateCreated, src.State())
	assert.Same(t, out, src.Output())

	require.NoError(t, src.Start(ctx))
	require.NoError(t, src.Wait(ctx))

	assert.Equal(t, conduit.StateStopped, src.State())
	assert.NoError(t, src.Err())
	assert.True(t, out.Closed())
	assert.Equal(t, 3, out.Len())
}

// TestFilterTransformsAndPropagatesClose verifies a filter maps values and forwards end of stream
func TestFilterTransformsAndPropagatesClose(t *testing.T) {
	ctx := context.Background()
	in := conduit.NewPipe[int](0)
	out := conduit.NewPipe[string](0)
	f := conduit.NewFilter(conduit.Transform(strconv.Itoa), in, out)

	for i := 1; i <= 3; i++ {
		require.NoError(t, in.Push(ctx, i))
	}
	in.Close()

	require.NoError(t, f.Start(ctx))
	require.NoError(t, f.Wait(ctx))

	assert.Equal(t, conduit.StateStopped, f.State())
	assert.True(t, out.Closed())

	var got []string
	for {
		v, err := out.Pop(ctx)
		if errors.Is(err, conduit.ErrPipeClosed) {
			break
		}
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

// TestSinkConsumesUntilClosed verifies a sink drains its input and stops when it is closed
func TestSinkConsumesUntilClosed(t *testing.T) {
	ctx := context.Background()
	in := conduit.NewPipe[string](0)
	collector := conduit.NewCollector[string]()
	sink := conduit.NewSink(collector.Sink(), in)

	require.NoError(t, sink.Start(ctx))
	require.NoError(t, in.Push(ctx, "a"))
	require.NoError(t, in.Push(ctx, "b"))
	in.Close()

	require.NoError(t, sink.Wait(ctx))
	assert.Equal(t, []string{"a", "b"}, collector.Items())
	assert.Equal(t, conduit.StateStopped, sink.State())
}

// TestStageStartStopIdempotent verifies repeated Start and Stop calls are harmless
func TestStageStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	in := conduit.NewPipe[int](0)
	out := conduit.NewPipe[int](0)
	f := conduit.NewFilter(conduit.Transform(func(x int) int { return x }), in, out)

	// Stop before Start is a no-op
	require.NoError(t, f.Stop(ctx))
	assert.Equal(t, conduit.StateCreated, f.State())

	require.NoError(t, f.Start(ctx))
	require.NoError(t, f.Start(ctx))
	assert.Equal(t, conduit.StateRunning, f.State())

	require.NoError(t, f.Stop(ctx))
	require.NoError(t, f.Stop(ctx))
	assert.Equal(t, conduit.StateStopped, f.State())
}

// TestStageStartTwiceRunsOneWorker verifies a repeated Start adds no second worker and Stop joins the one running
func TestStageStartTwiceRunsOneWorker(t *testing.T) {
	ctx := context.Background()
	in := conduit.NewPipe[int](4)
	out := conduit.NewPipe[int](4)

	var active, peak atomic.Int64
	f := conduit.NewFilter(func(ctx context.Context, x int) (int, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-ctx.Done() // hold the item until Stop
		return x, nil
	}, in, out)

	require.NoError(t, f.Start(ctx))
	require.NoError(t, f.Start(ctx))
	require.NoError(t, in.Push(ctx, 1))
	require.NoError(t, in.Push(ctx, 2))

	require.Eventually(t, func() bool { return active.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond) // a second worker would pick up the other item by now
	assert.Equal(t, int64(1), peak.Load())
	assert.Equal(t, 1, in.Len(), "one item is still queued")

	require.NoError(t, f.Stop(ctx))
	assert.Equal(t, int64(0), active.Load(), "Stop returns only after the callback has exited")
	assert.Equal(t, conduit.StateStopped, f.State())
}

// TestStopUnblocksIdleFilter verifies Stop returns promptly while the worker waits on an empty pipe
func TestStopUnblocksIdleFilter(t *testing.T) {
	ctx := context.Background()
	in := conduit.NewPipe[int](1)
	out := conduit.NewPipe[int](1)
	f := conduit.NewFilter(conduit.Transform(func(x int) int { return x * 2 }), in, out)

	require.NoError(t, f.Start(ctx))
	time.Sleep(20 * time.Millisecond) // let the worker park in Pop

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, f.Stop(stopCtx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, conduit.StateStopped, f.State())

	// Stopping by cancellation must not close the pipes
	assert.False(t, in.Closed())
	assert.False(t, out.Closed())
}

// TestStopUnblocksFullOutput verifies Stop releases a worker blocked on a full output pipe
func TestStopUnblocksFullOutput(t *testing.T) {
	ctx := context.Background()
	out := conduit.NewPipe[int](1)
	var n atomic.Int64
	src := conduit.NewSource(func(context.Context) (int, bool, error) {
		return int(n.Add(1)), true, nil
	}, out)

	require.NoError(t, src.Start(ctx))
	require.Eventually(t, func() bool { return out.Len() == 1 }, time.Second, time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, src.Stop(stopCtx))
	assert.Equal(t, conduit.StateStopped, src.State())
}

// TestStageRestart verifies a stopped stage can be started again and keeps processing
func TestStageRestart(t *testing.T) {
	ctx := context.Background()
	in := conduit.NewPipe[int](0)
	collector := conduit.NewCollector[int]()
	sink := conduit.NewSink(collector.Sink(), in)

	require.NoError(t, sink.Start(ctx))
	require.NoError(t, in.Push(ctx, 1))
	require.Eventually(t, func() bool { return collector.Len() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, sink.Stop(ctx))

	require.NoError(t, in.Push(ctx, 2)) // buffered while stopped

	require.NoError(t, sink.Start(ctx))
	assert.Equal(t, conduit.StateRunning, sink.State())
	require.NoError(t, in.Push(ctx, 3))
	in.Close()
	require.NoError(t, sink.Wait(ctx))

	assert.Equal(t, []int{1, 2, 3}, collector.Items())
}

// TestStageCallbackError verifies a failing callback moves the stage to Failed and closes both pipes
func TestStageCallbackError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	in := conduit.NewPipe[int](0)
	out := conduit.NewPipe[int](0)
	f := conduit.NewFilter(func(_ context.Context, x int) (int, error) {
		if x == 2 {
			return 0, boom
		}
		return x, nil
	}, in, out, conduit.WithStageName("picky"))

	require.NoError(t, f.Start(ctx))
	require.NoError(t, in.Push(ctx, 1))
	require.NoError(t, in.Push(ctx, 2))

	err := f.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var stageErr *conduit.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "picky", stageErr.StageName)

	assert.Equal(t, conduit.StateFailed, f.State())
	assert.Equal(t, err, f.Err())
	assert.True(t, in.Closed(), "upstream must learn the stage is gone")
	assert.True(t, out.Closed(), "downstream must see the end of the stream")

	// Stop after a failure is a no-op and keeps the failure
	require.NoError(t, f.Stop(ctx))
	assert.Equal(t, conduit.StateFailed, f.State())
}

// TestStageCallbackPanic verifies a panicking callback is recovered and reported as ErrStagePanic
func TestStageCallbackPanic(t *testing.T) {
	ctx := context.Background()
	in := conduit.NewPipe[int](0)
	sink := conduit.NewSink(func(context.Context, int) error {
		panic("kaboom")
	}, in)

	require.NoError(t, sink.Start(ctx))
	require.NoError(t, in.Push(ctx, 1))

	err := sink.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, conduit.ErrStagePanic)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, conduit.StateFailed, sink.State())
}

// TestStageRestartAfterFailure verifies a failed stage clears its error when started again
func TestStageRestartAfterFailure(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	out := conduit.NewPipe[int](0)
	src := conduit.NewSource(func(context.Context) (int, bool, error) {
		if calls.Add(1) == 1 {
			return 0, false, errors.New("first call fails")
		}
		return 0, false, nil
	}, out)

	require.NoError(t, src.Start(ctx))
	require.Error(t, src.Wait(ctx))
	assert.Equal(t, conduit.StateFailed, src.State())

	out.Reopen()
	require.NoError(t, src.Start(ctx))
	require.NoError(t, src.Wait(ctx))
	assert.Equal(t, conduit.StateStopped, src.State())
	assert.NoError(t, src.Err())
}

// TestDownstreamCloseStopsSource verifies a source stops when its output is closed by the reader side
func TestDownstreamCloseStopsSource(t *testing.T) {
	ctx := context.Background()
	out := conduit.NewPipe[int](1)
	src := conduit.NewSource(func(context.Context) (int, bool, error) {
		return 1, true, nil
	}, out)

	require.NoError(t, src.Start(ctx))
	out.Close()

	require.NoError(t, src.Wait(ctx))
	assert.Equal(t, conduit.StateStopped, src.State())
}

// TestStartContextCancellation verifies cancelling the Start context stops the worker
func TestStartContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := conduit.NewPipe[int](0)
	sink := conduit.NewSink(conduit.Consume(func(int) {}), in)

	require.NoError(t, sink.Start(ctx))
	cancel()
	waitForState(t, sink, conduit.StateStopped)

	// Starting with an already cancelled context is refused
	err := sink.Start(ctx)
	var lifecycleErr *conduit.PipelineLifecycleError
	require.ErrorAs(t, err, &lifecycleErr)
	assert.Equal(t, "Start", lifecycleErr.Op)
}

// TestStopTimeout verifies Stop gives up when the worker is stuck in a callback that ignores cancellation
func TestStopTimeout(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	in := conduit.NewPipe[int](0)
	sink := conduit.NewSink(func(context.Context, int) error {
		<-release
		return nil
	}, in)

	require.NoError(t, sink.Start(ctx))
	require.NoError(t, in.Push(ctx, 1))
	time.Sleep(20 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := sink.Stop(stopCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, sink.Stop(ctx))
	assert.Equal(t, conduit.StateStopped, sink.State())
}

// TestStateString verifies the state names
func TestStateString(t *testing.T) {
	assert.Equal(t, "Created", conduit.StateCreated.String())
	assert.Equal(t, "Running", conduit.StateRunning.String())
	assert.Equal(t, "Stopped", conduit.StateStopped.String())
	assert.Equal(t, "Failed", conduit.StateFailed.String())
	assert.Equal(t, "Unknown(9)", conduit.StageState(9).String())
}

// TestConstructorsPanicOnNil verifies constructors reject nil callbacks and pipes
func TestConstructorsPanicOnNil(t *testing.T) {
	p := conduit.NewPipe[int](0)
	assert.Panics(t, func() { conduit.NewSource[int](nil, p) })
	assert.Panics(t, func() { conduit.NewSource(conduit.FromSlice([]int{1}), nil) })
	assert.Panics(t, func() { conduit.NewFilter[int, int](nil, p, p) })
	assert.Panics(t, func() { conduit.NewSink[int](nil, p) })
	assert.Panics(t, func() { conduit.NewComposite[int, int](nil, p) })
}
