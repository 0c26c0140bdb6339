package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synoptiq/go-conduit"
	"golang.org/x/time/rate"
)

// APIService represents a service that makes API calls
type APIService struct {
	name             string
	processingTimeMs int
	callCount        int
	mu               sync.Mutex
}

// NewAPIService creates a new API service simulator
func NewAPIService(name string, processingTimeMs int) *APIService {
	return &APIService{
		name:             name,
		processingTimeMs: processingTimeMs,
	}
}

// Call simulates making an API call with some processing time
func (s *APIService) Call(ctx context.Context, request string) (string, error) {
	// Increment call count
	s.mu.Lock()
	s.callCount++
	currentCount := s.callCount
	s.mu.Unlock()

	// Simulate processing delay
	select {
	case <-time.After(time.Duration(s.processingTimeMs) * time.Millisecond):
		// Continue after delay
	case <-ctx.Done():
		return "", ctx.Err()
	}

	// Return successful response
	return fmt.Sprintf("[%s] Response #%d for request: %s", s.name, currentCount, request), nil
}

// RateLimitedAPIClient runs a service behind a rate limited filter stage.
// Requests go in with Put and responses come out with Get.
type RateLimitedAPIClient struct {
	service  *APIService
	limiter  *rate.Limiter
	pipeline *conduit.Pipeline[string, string]
	mu       sync.Mutex // one request in flight, so each Get pairs with its Put
}

// NewRateLimitedAPIClient creates a new API client with rate limiting
func NewRateLimitedAPIClient(service *APIService, rps float64, burst int) (*RateLimitedAPIClient, error) {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	p := conduit.NewPipeline[string, string](conduit.WithPipelineName("api_client"))
	if err := conduit.AddFilter(p, service.Call,
		conduit.WithStageName(service.name),
		conduit.WithStageLimiter(limiter),
	); err != nil {
		return nil, err
	}

	return &RateLimitedAPIClient{
		service:  service,
		limiter:  limiter,
		pipeline: p,
	}, nil
}

// Start launches the client's pipeline.
func (c *RateLimitedAPIClient) Start(ctx context.Context) error {
	return c.pipeline.Start(ctx)
}

// Stop halts the client's pipeline.
func (c *RateLimitedAPIClient) Stop(ctx context.Context) error {
	return c.pipeline.Stop(ctx)
}

// Call makes a rate-limited call to the service
func (c *RateLimitedAPIClient) Call(ctx context.Context, request string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.pipeline.Put(ctx, request); err != nil {
		return "", err
	}
	return c.pipeline.Get(ctx)
}

// UpdateLimit updates the rate limit for this client
func (c *RateLimitedAPIClient) UpdateLimit(newRPS float64) {
	c.limiter.SetLimit(rate.Limit(newRPS))
	fmt.Printf("🔄 Rate limit updated to %.1f RPS\n", newRPS)
}

// UpdateBurst updates the burst limit for this client
func (c *RateLimitedAPIClient) UpdateBurst(newBurst int) {
	c.limiter.SetBurst(newBurst)
	fmt.Printf("🔄 Burst limit updated to %d\n", newBurst)
}

// DisplayStatus shows the current rate limit settings
func (c *RateLimitedAPIClient) DisplayStatus() {
	fmt.Printf("📊 Client Status: %.1f RPS, Burst: %d, Service: %s\n",
		float64(c.limiter.Limit()), c.limiter.Burst(), c.service.name)
}

// RunBurstDemo demonstrates a burst of requests
func RunBurstDemo(client *RateLimitedAPIClient, requestCount int) {
	fmt.Printf("\n🚀 Starting burst demo with %d requests...\n", requestCount)

	startTime := time.Now()

	// Create a context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Send requests sequentially
	successCount := 0
	failureCount := 0

	for i := 1; i <= requestCount; i++ {
		requestID := fmt.Sprintf("burst-req-%d", i)

		// Measure this specific request
		requestStart := time.Now()

		result, err := client.Call(ctx, requestID)

		elapsed := time.Since(requestStart)

		if err != nil {
			fmt.Printf("❌ Request %2d failed after %7.1fms: %v\n",
				i, float64(elapsed.Microseconds())/1000, err)
			failureCount++
		} else {
			fmt.Printf("✅ Request %2d completed in %7.1fms: %s\n",
				i, float64(elapsed.Microseconds())/1000, result)
			successCount++
		}
	}

	totalTime := time.Since(startTime)

	fmt.Printf("\n📋 Burst Demo Results:\n")
	fmt.Printf("   Total time: %.2f seconds\n", totalTime.Seconds())
	fmt.Printf("   Successful requests: %d\n", successCount)
	fmt.Printf("   Failed requests: %d\n", failureCount)
	fmt.Printf("   Effective rate: %.2f RPS\n", float64(successCount)/totalTime.Seconds())
}

// RunSharedLimiterDemo runs several independent pipelines whose filter stages share
// one limiter, so together they never exceed its rate.
func RunSharedLimiterDemo(service *APIService, workers, requestsPerWorker int, rps float64) {
	totalRequests := workers * requestsPerWorker
	fmt.Printf("\n🔄 Starting shared limiter demo: %d pipelines, %d requests each (%d total) at %.1f RPS...\n",
		workers, requestsPerWorker, totalRequests, rps)

	limiter := rate.NewLimiter(rate.Limit(rps), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		wg           sync.WaitGroup
		successCount atomic.Int64
	)
	startTime := time.Now()

	for w := 1; w <= workers; w++ {
		requests := make([]string, requestsPerWorker)
		for i := range requests {
			requests[i] = fmt.Sprintf("worker-%d-req-%d", w, i+1)
		}

		p := conduit.NewPipeline[string, string](conduit.WithPipelineName(fmt.Sprintf("worker_%d", w)))
		if err := p.AddSource(conduit.FromSlice(requests)); err != nil {
			fmt.Printf("❌ Worker %d: %v\n", w, err)
			continue
		}
		if err := conduit.AddFilter(p, service.Call, conduit.WithStageLimiter(limiter)); err != nil {
			fmt.Printf("❌ Worker %d: %v\n", w, err)
			continue
		}
		workerID := w
		if err := p.AddSink(conduit.Consume(func(result string) {
			successCount.Add(1)
			fmt.Printf("✅ Worker %2d: %s (t=%.2fs)\n", workerID, result, time.Since(startTime).Seconds())
		})); err != nil {
			fmt.Printf("❌ Worker %d: %v\n", w, err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conduit.Run(ctx, p); err != nil {
				fmt.Printf("❌ Worker %2d failed: %v\n", workerID, err)
			}
		}()
	}
	wg.Wait()

	totalTime := time.Since(startTime)
	fmt.Printf("\n📋 Shared Limiter Demo Results:\n")
	fmt.Printf("   Total time: %.2f seconds\n", totalTime.Seconds())
	fmt.Printf("   Successful requests: %d\n", successCount.Load())
	fmt.Printf("   Effective rate: %.2f RPS\n", float64(successCount.Load())/totalTime.Seconds())
}

// RunDynamicRateDemo demonstrates changing rate limits on the fly
func RunDynamicRateDemo(client *RateLimitedAPIClient) {
	fmt.Printf("\n🔄 Starting dynamic rate limiting demo...\n")

	// Initial settings
	client.DisplayStatus()

	// Run with initial rate
	fmt.Println("\n1️⃣ Initial rate limit:")
	RunBurstDemo(client, 5)

	// Decrease rate limit
	client.UpdateLimit(1.0) // 1 request per second
	client.UpdateBurst(1)   // No bursting
	fmt.Println("\n2️⃣ Decreased rate limit:")
	RunBurstDemo(client, 5)

	// Increase rate limit
	client.UpdateLimit(10.0) // 10 requests per second
	client.UpdateBurst(5)    // Burst of 5
	fmt.Println("\n3️⃣ Increased rate limit:")
	RunBurstDemo(client, 10)
}

func main() {
	fmt.Println("Conduit Rate Limiter Demonstration")
	fmt.Println("==================================")
	fmt.Println("This example demonstrates rate limited stages controlling the flow of requests")
	fmt.Println("to a service, preventing it from being overwhelmed while allowing bursts")
	fmt.Println("of traffic when capacity is available.")

	// Create an API service with 100ms processing time
	service := NewAPIService("ExampleAPI", 100)

	// Start with 3 RPS and burst capacity of 2
	client, err := NewRateLimitedAPIClient(service, 3.0, 2)
	if err != nil {
		fmt.Printf("❌ Failed to build client: %v\n", err)
		return
	}
	if err := client.Start(context.Background()); err != nil {
		fmt.Printf("❌ Failed to start client: %v\n", err)
		return
	}

	// Part 1: Simple burst demo
	RunBurstDemo(client, 8)

	// Part 2: Dynamic rate limiting demo
	RunDynamicRateDemo(client)

	if err := client.Stop(context.Background()); err != nil {
		fmt.Printf("❌ Failed to stop client: %v\n", err)
	}

	// Part 3: Independent pipelines sharing one limiter
	RunSharedLimiterDemo(service, 3, 4, 5.0)

	fmt.Println("\nDemo Complete!")
}
