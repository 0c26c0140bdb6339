package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/synoptiq/go-conduit"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "conduit-tracing-example"

var failureRate float32 = 0.05

// initTracer creates and registers a new trace provider with OTLP exporter
func initTracer(otlpEndpoint string) (*tracesdk.TracerProvider, error) {
	fmt.Println("🔧 Initializing OpenTelemetry Tracer...")
	fmt.Printf("   Using OTLP endpoint: %s\n", otlpEndpoint)

	ctx := context.Background()
	traceExporter, err := otlptrace.New(
		ctx,
		otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(otlpEndpoint),
			otlptracegrpc.WithInsecure(), // Use insecure for local demo
		),
	)
	if err != nil {
		return nil, fmt.Errorf("❌ failed to create trace exporter: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(traceExporter),
		tracesdk.WithSampler(tracesdk.AlwaysSample()), // Sample all traces for demo
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("environment", "demo"),
		)),
	)

	otel.SetTracerProvider(tp)
	fmt.Println("✅ Tracer initialized and registered globally.")
	return tp, nil
}

// initZipkinTracer builds the provider through the same factory the YAML configuration uses.
func initZipkinTracer(endpoint string) (conduit.TracerProvider, error) {
	fmt.Printf("🔧 Initializing Zipkin tracer for %s...\n", endpoint)
	tp, err := conduit.NewObservabilityFactory().CreateTracerProvider(conduit.PipelineTracingConfig{
		Enabled:  true,
		Type:     conduit.TracingTypeZipkin,
		Endpoint: endpoint,
	}, serviceName)
	if err != nil {
		return nil, err
	}
	return tp, nil
}

// simulateAPICall simulates an API call with some random delay and potential failure
func simulateAPICall(ctx context.Context, apiName string) (map[string]interface{}, error) {
	// Create a span for the API call (will be child of the item's process span)
	tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer("api-client-simulator")
	_, span := tracer.Start(ctx, fmt.Sprintf("API Call: %s", apiName))
	defer span.End()

	fmt.Printf("      📞 Calling API: %s...\n", apiName)
	delay := 50 + rand.Intn(150) // Reduced delay for faster demo
	time.Sleep(time.Duration(delay) * time.Millisecond)

	span.SetAttributes(
		attribute.String("api.name", apiName),
		attribute.Int("api.latency_ms", delay),
	)

	if rand.Float32() < failureRate {
		err := fmt.Errorf("API %s failed simulation", apiName)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		fmt.Printf("      ❌ API %s failed!\n", apiName)
		return nil, err
	}

	result := map[string]interface{}{
		"api":     apiName,
		"success": true,
		"latency": delay,
		"data":    fmt.Sprintf("Sample data from %s", apiName),
	}
	span.SetStatus(codes.Ok, "Success")
	fmt.Printf("      ✅ API %s succeeded (%d ms).\n", apiName, delay)
	return result, nil
}

// Request represents the input to the pipeline
type Request struct {
	UserID    string
	ProductID string
}

// Catalog holds the data fetched for a request before enrichment.
type Catalog struct {
	Request     Request
	UserData    map[string]interface{}
	ProductData map[string]interface{}
}

// Response represents the output of the pipeline
type Response struct {
	Request          Request
	UserData         map[string]interface{}
	ProductData      map[string]interface{}
	PricingData      map[string]interface{}
	Recommendations  map[string]interface{}
	ProcessingTimeMs int64
}

// --- Stage Callbacks ---
// Each callback receives the context of its "<stage>.process" span, so the
// simulated API calls nest below it.

func fetchUserData(ctx context.Context, req Request) (Catalog, error) {
	data, err := simulateAPICall(ctx, "user-service")
	if err != nil {
		return Catalog{}, err
	}
	return Catalog{Request: req, UserData: data}, nil
}

func fetchProductData(ctx context.Context, c Catalog) (Catalog, error) {
	data, err := simulateAPICall(ctx, "product-service")
	if err != nil {
		return Catalog{}, err
	}
	c.ProductData = data
	return c, nil
}

func fetchPricingData(ctx context.Context, c Catalog) (Response, error) {
	data, err := simulateAPICall(ctx, "pricing-service")
	if err != nil {
		return Response{}, err
	}
	return Response{
		Request:     c.Request,
		UserData:    c.UserData,
		ProductData: c.ProductData,
		PricingData: data,
	}, nil
}

func fetchRecommendations(ctx context.Context, r Response) (Response, error) {
	data, err := simulateAPICall(ctx, "recommendation-service")
	if err != nil {
		return Response{}, err
	}
	r.Recommendations = data
	for _, part := range []map[string]interface{}{r.UserData, r.ProductData, r.PricingData, r.Recommendations} {
		if l, ok := part["latency"].(int); ok {
			r.ProcessingTimeMs += int64(l)
		}
	}
	return r, nil
}

// buildTracedPipeline constructs the example pipeline with tracing enabled
func buildTracedPipeline(tp conduit.TracerProvider, requests []Request) (*conduit.Pipeline[Request, Response], error) {
	fmt.Println("🛠️ Building traced pipeline...")

	p := conduit.NewPipeline[Request, Response](
		conduit.WithPipelineName("product_view"),
		conduit.WithTracerProvider(tp),
		conduit.WithPipelineLogger(log.New(os.Stdout, "[pipeline] ", log.Ltime)),
	)
	if err := p.AddSource(conduit.FromSlice(requests), conduit.WithStageName("requests")); err != nil {
		return nil, err
	}
	if err := conduit.AddFilter(p, fetchUserData, conduit.WithStageName("fetch_user")); err != nil {
		return nil, err
	}
	if err := conduit.AddFilter(p, fetchProductData, conduit.WithStageName("fetch_product")); err != nil {
		return nil, err
	}
	fmt.Println("   - Added user and product fetch stages.")

	err := conduit.AddComposite(p, func(c *conduit.Composite[Catalog, Response]) error {
		if err := conduit.AddFirstFilter(c, fetchPricingData); err != nil {
			return err
		}
		return conduit.AddLastFilter(c, fetchRecommendations)
	}, conduit.WithStageName("enrich"))
	if err != nil {
		return nil, err
	}
	fmt.Println("   - Added enrichment composite (pricing, recommendations).")

	err = p.AddSink(func(_ context.Context, r Response) error {
		fmt.Printf("   📦 %s viewed %s (simulated latency %d ms)\n",
			r.Request.UserID, r.Request.ProductID, r.ProcessingTimeMs)
		return nil
	}, conduit.WithStageName("render"))
	if err != nil {
		return nil, err
	}

	fmt.Println("✅ Pipeline built successfully.")
	return p, nil
}

func main() {
	backend := flag.String("backend", "otlp", "trace exporter: otlp or zipkin")
	endpoint := flag.String("endpoint", "", "collector endpoint (defaults to OTLP_ENDPOINT or the backend default)")
	flag.Parse()

	fmt.Println("🛰️ Conduit OpenTelemetry Tracing Demonstration")
	fmt.Println("==============================================")
	fmt.Println("Every stage run, every item processed, and every simulated API call")
	fmt.Println("produces a span below the request's root span.")

	var (
		tp       conduit.TracerProvider
		shutdown func(context.Context) error
	)
	switch *backend {
	case "otlp":
		if *endpoint == "" {
			*endpoint = os.Getenv("OTLP_ENDPOINT")
		}
		if *endpoint == "" {
			*endpoint = "localhost:4317" // Default OTLP gRPC endpoint
		}
		sdkProvider, err := initTracer(*endpoint)
		if err != nil {
			log.Fatalf("❌ Failed to initialize tracer: %v", err)
		}
		tp, shutdown = sdkProvider, sdkProvider.Shutdown
	case "zipkin":
		if *endpoint == "" {
			*endpoint = "http://localhost:9411/api/v2/spans"
		}
		zipkinProvider, err := initZipkinTracer(*endpoint)
		if err != nil {
			log.Fatalf("❌ Failed to initialize tracer: %v", err)
		}
		tp = zipkinProvider
		if s, ok := zipkinProvider.(interface{ Shutdown(context.Context) error }); ok {
			shutdown = s.Shutdown
		}
	default:
		log.Fatalf("❌ Unknown backend %q", *backend)
	}

	// Ensure tracer provider is shut down cleanly on exit
	defer func() {
		if shutdown == nil {
			return
		}
		fmt.Println("🔌 Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️ Error shutting down tracer provider: %v", err)
		} else {
			fmt.Println("✅ Tracer provider shut down.")
		}
	}()

	requests := []Request{
		{UserID: "user123", ProductID: "product456"},
		{UserID: "user123", ProductID: "product789"},
		{UserID: "user777", ProductID: "product456"},
	}

	pipeline, err := buildTracedPipeline(tp, requests)
	if err != nil {
		log.Fatalf("❌ Failed to build pipeline: %v", err)
	}

	// --- Process the requests ---
	fmt.Println("\n▶️ Processing requests through the pipeline...")
	tracer := tp.Tracer("main-processor") // Get a tracer for the main operation
	ctx, rootSpan := tracer.Start(context.Background(), "HandleProductViewBatch")
	rootSpan.SetAttributes(attribute.Int("request.count", len(requests)))

	startTime := time.Now()
	err = conduit.Run(ctx, pipeline) // The pipeline span becomes a child of the root span
	duration := time.Since(startTime)

	if err != nil {
		fmt.Printf("❌ Pipeline processing failed after %v: %v\n", duration, err)
		var stageErr *conduit.StageError
		if errors.As(err, &stageErr) {
			rootSpan.SetAttributes(attribute.String("failed.stage", stageErr.StageName))
		}
		rootSpan.RecordError(err)
		rootSpan.SetStatus(codes.Error, "Pipeline failed")
	} else {
		fmt.Printf("✅ Pipeline processing successful in %v.\n", duration)
		rootSpan.SetStatus(codes.Ok, "Success")
	}
	rootSpan.End() // End the root span

	// --- Trace Viewing Instructions ---
	fmt.Println("\n📍 Trace Viewing Instructions:")
	fmt.Printf("   Traces have been exported via %s to %s.\n", *backend, *endpoint)
	fmt.Println("   Example Jaeger setup (Docker):")
	fmt.Println("     docker run -d --name jaeger -p 16686:16686 -p 4317:4317 jaegertracing/all-in-one:latest")
	fmt.Println("   View traces in your backend UI (e.g., http://localhost:16686 for Jaeger).")

	fmt.Println("\nDemo Complete!")
}
