package conduit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/synoptiq/go-conduit"

// TracerProvider hands out tracers. It is the subset of trace.TracerProvider that
// pipelines and stages need, so SDK providers and test recorders both satisfy it.
type TracerProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
}

// globalTracerProvider resolves otel's global provider on every call, so a provider
// registered with otel.SetTracerProvider after package init is still picked up.
type globalTracerProvider struct{}

func (globalTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name, options...)
}

// DefaultTracerProvider delegates to the global OpenTelemetry provider.
var DefaultTracerProvider TracerProvider = globalTracerProvider{}

// NoopTracerProvider produces tracers that record nothing.
type NoopTracerProvider struct{}

// Tracer implements TracerProvider.
func (NoopTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return noop.NewTracerProvider().Tracer(name, options...)
}

var (
	_ TracerProvider = globalTracerProvider{}
	_ TracerProvider = NoopTracerProvider{}
)

// Span attribute keys.
const (
	attrPipelineName   = attribute.Key("conduit.pipeline.name")
	attrPipelineStages = attribute.Key("conduit.pipeline.stages")
	attrStageName      = attribute.Key("conduit.stage.name")
	attrStageIndex     = attribute.Key("conduit.stage.index")
	attrStageRole      = attribute.Key("conduit.stage.role")
	attrStageState     = attribute.Key("conduit.stage.state")
	attrDurationMs     = attribute.Key("conduit.stage.duration_ms")
)

// endSpan records err on span (if any), sets the status and ends it.
func endSpan(span trace.Span, err error, started time.Time) {
	span.SetAttributes(attrDurationMs.Int64(time.Since(started).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// startSpan is a small wrapper so call sites read the same everywhere.
func startSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	kind trace.SpanKind,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(kind))
}
