package conduit_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/synoptiq/go-conduit"
)

// Create a test-ready tracer using the actual SDK's implementation
// but with a recorder to capture spans
func createTestTracer() (*tracetest.SpanRecorder, oteltrace.TracerProvider) {
	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(spanRecorder),
	)
	return spanRecorder, provider
}

// Helper function to find a span by name
func findSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// Helper function to count spans with a name
func countSpans(spans []sdktrace.ReadOnlySpan, name string) int {
	n := 0
	for _, span := range spans {
		if span.Name() == name {
			n++
		}
	}
	return n
}

// Helper function to find attribute in span
func findAttribute(span sdktrace.ReadOnlySpan, key string) (attribute.KeyValue, bool) {
	for _, attr := range span.Attributes() {
		if string(attr.Key) == key {
			return attr, true
		}
	}
	return attribute.KeyValue{}, false
}

// TestTracedPipeline verifies a run produces a pipeline span with a child span per stage
func TestTracedPipeline(t *testing.T) {
	recorder, provider := createTestTracer()

	p := conduit.NewPipeline[int, int](
		conduit.WithPipelineName("traced"),
		conduit.WithTracerProvider(provider),
	)
	require.NoError(t, p.AddSource(conduit.FromSlice([]int{1, 2, 3})))
	require.NoError(t, conduit.AddFilter(p, conduit.Transform(double)))
	require.NoError(t, p.AddSink(conduit.Consume(func(int) {})))
	require.NoError(t, conduit.Run(context.Background(), p))

	spans := recorder.Ended()
	pipelineSpan := findSpanByName(spans, "Pipeline:traced")
	if pipelineSpan == nil {
		t.Fatal("Span 'Pipeline:traced' not found")
	}
	assert.Equal(t, codes.Ok, pipelineSpan.Status().Code)

	stagesAttr, ok := findAttribute(pipelineSpan, "conduit.pipeline.stages")
	require.True(t, ok)
	assert.Equal(t, int64(3), stagesAttr.Value.AsInt64())

	stateAttr, ok := findAttribute(pipelineSpan, "conduit.stage.state")
	require.True(t, ok)
	assert.Equal(t, "Stopped", stateAttr.Value.AsString())

	for i, name := range []string{"traced_source_0", "traced_filter_1", "traced_sink_2"} {
		stageSpan := findSpanByName(spans, fmt.Sprintf("Stage[%d]:%s", i, name))
		if stageSpan == nil {
			t.Fatalf("Span for stage %s not found", name)
		}
		assert.Equal(t, pipelineSpan.SpanContext().SpanID(), stageSpan.Parent().SpanID(), "stage %s parent", name)
		assert.Equal(t, codes.Ok, stageSpan.Status().Code)

		nameAttr, ok := findAttribute(stageSpan, "conduit.stage.name")
		require.True(t, ok)
		assert.Equal(t, name, nameAttr.Value.AsString())

		_, hasDuration := findAttribute(stageSpan, "conduit.stage.duration_ms")
		assert.True(t, hasDuration, "duration attribute missing on %s", name)
	}

	assert.Equal(t, 3, countSpans(spans, "traced_filter_1.process"))
	assert.Equal(t, 3, countSpans(spans, "traced_sink_2.process"))

	processSpan := findSpanByName(spans, "traced_filter_1.process")
	stageSpan := findSpanByName(spans, "Stage[1]:traced_filter_1")
	assert.Equal(t, stageSpan.SpanContext().SpanID(), processSpan.Parent().SpanID())

	roleAttr, ok := findAttribute(processSpan, "conduit.stage.role")
	require.True(t, ok)
	assert.Equal(t, "filter", roleAttr.Value.AsString())
}

// TestTracedStageError verifies a failing callback marks its process span, stage span and pipeline span
func TestTracedStageError(t *testing.T) {
	recorder, provider := createTestTracer()
	boom := errors.New("traced failure")

	p := conduit.NewPipeline[int, int](
		conduit.WithPipelineName("failing"),
		conduit.WithTracerProvider(provider),
	)
	require.NoError(t, p.AddSource(conduit.FromSlice([]int{1})))
	require.NoError(t, conduit.AddFilter(p, func(context.Context, int) (int, error) {
		return 0, boom
	}))
	require.NoError(t, p.AddSink(conduit.Consume(func(int) {})))
	require.Error(t, conduit.Run(context.Background(), p))

	spans := recorder.Ended()

	processSpan := findSpanByName(spans, "failing_filter_1.process")
	require.NotNil(t, processSpan)
	assert.Equal(t, codes.Error, processSpan.Status().Code)
	assert.Equal(t, boom.Error(), processSpan.Status().Description)
	require.NotEmpty(t, processSpan.Events(), "error should be recorded as an event")
	assert.Equal(t, "exception", processSpan.Events()[0].Name)

	stageSpan := findSpanByName(spans, "Stage[1]:failing_filter_1")
	require.NotNil(t, stageSpan)
	assert.Equal(t, codes.Error, stageSpan.Status().Code)
	stateAttr, ok := findAttribute(stageSpan, "conduit.stage.state")
	require.True(t, ok)
	assert.Equal(t, "Failed", stateAttr.Value.AsString())

	pipelineSpan := findSpanByName(spans, "Pipeline:failing")
	require.NotNil(t, pipelineSpan)
	assert.Equal(t, codes.Error, pipelineSpan.Status().Code)
}

// TestTracedStandaloneStage verifies a stage outside a pipeline traces with its own provider
func TestTracedStandaloneStage(t *testing.T) {
	recorder, provider := createTestTracer()
	ctx := context.Background()

	out := conduit.NewPipe[string](0)
	src := conduit.NewSource(conduit.FromSlice([]string{"a", "b"}), out,
		conduit.WithStageName("letters"),
		conduit.WithStageTracerProvider(provider),
	)
	require.NoError(t, src.Start(ctx))
	require.NoError(t, src.Wait(ctx))

	spans := recorder.Ended()
	stageSpan := findSpanByName(spans, "Stage[0]:letters")
	require.NotNil(t, stageSpan)
	assert.False(t, stageSpan.Parent().IsValid(), "a standalone stage span is a root span")

	roleAttr, ok := findAttribute(stageSpan, "conduit.stage.role")
	require.True(t, ok)
	assert.Equal(t, "source", roleAttr.Value.AsString())

	// two values plus the call that ends the stream
	assert.Equal(t, 3, countSpans(spans, "letters.process"))
}

// TestTracedComposite verifies inner filters of a composite trace under their indexed names
func TestTracedComposite(t *testing.T) {
	recorder, provider := createTestTracer()

	p := conduit.NewPipeline[int, int](conduit.WithTracerProvider(provider))
	require.NoError(t, p.AddSource(conduit.FromSlice([]int{7})))
	require.NoError(t, conduit.AddComposite(p, func(c *conduit.Composite[int, int]) error {
		if err := conduit.AddFirstFilter(c, conduit.Transform(double)); err != nil {
			return err
		}
		return conduit.AddLastFilter(c, conduit.Transform(increment))
	}, conduit.WithStageName("calc")))
	require.NoError(t, p.AddSink(conduit.Consume(func(int) {})))
	require.NoError(t, conduit.Run(context.Background(), p))

	spans := recorder.Ended()
	assert.NotNil(t, findSpanByName(spans, "Stage[0]:calc[0]"))
	assert.NotNil(t, findSpanByName(spans, "Stage[1]:calc[1]"))
	assert.Equal(t, 1, countSpans(spans, "calc[1].process"))
}

func BenchmarkTracing(b *testing.B) {
	providers := map[string]conduit.TracerProvider{
		"noop": conduit.NoopTracerProvider{},
	}
	_, recording := createTestTracer()
	providers["recording"] = recording

	for name, provider := range providers {
		b.Run(name, func(b *testing.B) {
			ctx := context.Background()
			p := conduit.NewPipeline[int, int](conduit.WithTracerProvider(provider))
			_ = conduit.AddFilter(p, conduit.Transform(double))
			if err := p.Start(ctx); err != nil {
				b.Fatal(err)
			}
			defer func() { _ = p.Stop(ctx) }()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = p.Put(ctx, i)
				_, _ = p.Get(ctx)
			}
		})
	}
}
