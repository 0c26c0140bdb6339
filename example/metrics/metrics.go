package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/synoptiq/go-conduit"
)

// --- Simple In-Memory Metrics Collector ---

// InMemoryMetricsCollector implements the conduit.MetricsCollector interface
// and stores metrics counts in memory using atomic operations.
type InMemoryMetricsCollector struct {
	pipelineStartedCount   int64
	pipelineCompletedCount int64
	stageStartedCount      int64
	stageCompletedCount    int64
	stageErrorCount        int64
	itemProcessedCount     int64

	// Store durations (use mutex for map access)
	itemDurations map[string][]time.Duration
	mu            sync.Mutex
}

// NewInMemoryMetricsCollector creates a new collector.
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		itemDurations: make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetricsCollector) PipelineStarted(_ context.Context, pipelineName string) {
	atomic.AddInt64(&m.pipelineStartedCount, 1)
	fmt.Printf("  📊 Metric: Pipeline '%s' started\n", pipelineName)
}

func (m *InMemoryMetricsCollector) PipelineCompleted(_ context.Context, pipelineName string, duration time.Duration, err error) {
	atomic.AddInt64(&m.pipelineCompletedCount, 1)
	if err != nil {
		fmt.Printf("  📊 Metric: Pipeline '%s' failed after %v: %v\n", pipelineName, duration, err)
		return
	}
	fmt.Printf("  📊 Metric: Pipeline '%s' completed in %v\n", pipelineName, duration)
}

func (m *InMemoryMetricsCollector) StageStarted(_ context.Context, stageName string) {
	atomic.AddInt64(&m.stageStartedCount, 1)
	fmt.Printf("  📊 Metric: Stage '%s' started\n", stageName)
}

func (m *InMemoryMetricsCollector) StageCompleted(_ context.Context, stageName string, duration time.Duration) {
	atomic.AddInt64(&m.stageCompletedCount, 1)
	fmt.Printf("  📊 Metric: Stage '%s' completed in %v\n", stageName, duration)
}

func (m *InMemoryMetricsCollector) StageError(_ context.Context, stageName string, err error) {
	atomic.AddInt64(&m.stageErrorCount, 1)
	fmt.Printf("  📊 Metric: Stage '%s' error: %v\n", stageName, err)
}

func (m *InMemoryMetricsCollector) StageWorkerItemProcessed(_ context.Context, stageName string, duration time.Duration) {
	atomic.AddInt64(&m.itemProcessedCount, 1)
	m.mu.Lock()
	m.itemDurations[stageName] = append(m.itemDurations[stageName], duration)
	m.mu.Unlock()
}

// PrintStats displays the collected metrics.
func (m *InMemoryMetricsCollector) PrintStats() {
	fmt.Println("\n📈 Collected Metrics Summary:")
	fmt.Println("----------------------------")
	fmt.Printf("Pipelines Started:   %d\n", atomic.LoadInt64(&m.pipelineStartedCount))
	fmt.Printf("Pipelines Completed: %d\n", atomic.LoadInt64(&m.pipelineCompletedCount))
	fmt.Printf("Stages Started:      %d\n", atomic.LoadInt64(&m.stageStartedCount))
	fmt.Printf("Stages Completed:    %d\n", atomic.LoadInt64(&m.stageCompletedCount))
	fmt.Printf("Stage Errors:        %d\n", atomic.LoadInt64(&m.stageErrorCount))
	fmt.Printf("Items Processed:     %d\n", atomic.LoadInt64(&m.itemProcessedCount))

	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.itemDurations))
	for name := range m.itemDurations {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("\nPer-item processing time:")
	for _, name := range names {
		durations := m.itemDurations[name]
		var total time.Duration
		for _, d := range durations {
			total += d
		}
		fmt.Printf("  - %-12s items: %4d  avg: %v\n", name, len(durations), total/time.Duration(len(durations)))
	}
}

// teeCollector forwards every event to each of its collectors.
type teeCollector []conduit.MetricsCollector

func (t teeCollector) PipelineStarted(ctx context.Context, pipelineName string) {
	for _, c := range t {
		c.PipelineStarted(ctx, pipelineName)
	}
}

func (t teeCollector) PipelineCompleted(ctx context.Context, pipelineName string, duration time.Duration, err error) {
	for _, c := range t {
		c.PipelineCompleted(ctx, pipelineName, duration, err)
	}
}

func (t teeCollector) StageStarted(ctx context.Context, stageName string) {
	for _, c := range t {
		c.StageStarted(ctx, stageName)
	}
}

func (t teeCollector) StageCompleted(ctx context.Context, stageName string, duration time.Duration) {
	for _, c := range t {
		c.StageCompleted(ctx, stageName, duration)
	}
}

func (t teeCollector) StageError(ctx context.Context, stageName string, err error) {
	for _, c := range t {
		c.StageError(ctx, stageName, err)
	}
}

func (t teeCollector) StageWorkerItemProcessed(ctx context.Context, stageName string, duration time.Duration) {
	for _, c := range t {
		c.StageWorkerItemProcessed(ctx, stageName, duration)
	}
}

// --- Pipeline ---

type Order struct {
	ID     int
	Amount float64
}

var errFraud = errors.New("order flagged as fraud")

func buildOrderPipeline(orders int, collector conduit.MetricsCollector, failAt int) (*conduit.Pipeline[Order, string], error) {
	p := conduit.NewPipeline[Order, string](
		conduit.WithPipelineName("orders"),
		conduit.WithMetricsCollector(collector),
	)

	next := 0
	source := conduit.Produce(func() (Order, bool) {
		if next >= orders {
			return Order{}, false
		}
		next++
		return Order{ID: next, Amount: float64(rand.Intn(10000)) / 100}, true
	})
	if err := p.AddSource(source, conduit.WithStageName("intake")); err != nil {
		return nil, err
	}

	err := conduit.AddFilter(p, func(ctx context.Context, o Order) (Order, error) {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		if o.ID == failAt {
			return Order{}, fmt.Errorf("order %d: %w", o.ID, errFraud)
		}
		return o, nil
	}, conduit.WithStageName("fraud_check"))
	if err != nil {
		return nil, err
	}

	err = conduit.AddFilter(p, conduit.Transform(func(o Order) string {
		return fmt.Sprintf("order %d: $%.2f", o.ID, o.Amount*1.2)
	}), conduit.WithStageName("invoice"))
	if err != nil {
		return nil, err
	}

	if err := p.AddSink(conduit.Consume(func(string) {}), conduit.WithStageName("ship")); err != nil {
		return nil, err
	}
	return p, nil
}

func main() {
	addr := flag.String("addr", ":2112", "address serving /metrics")
	linger := flag.Duration("linger", 0, "keep serving /metrics this long after the demo")
	flag.Parse()

	fmt.Println("🚀 Conduit Metrics Demonstration")
	fmt.Println("================================")

	inMemory := NewInMemoryMetricsCollector()
	promCollector := conduit.NewPrometheusMetricsCollector(prometheus.NewRegistry())
	collector := teeCollector{inMemory, promCollector}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promCollector.Handler())
	server := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()
	fmt.Printf("Serving Prometheus metrics on http://localhost%s/metrics\n", *addr)

	ctx := context.Background()

	fmt.Println("\n▶️ Run 1: 50 clean orders")
	p, err := buildOrderPipeline(50, collector, -1)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	if err := conduit.Run(ctx, p); err != nil {
		fmt.Printf("❌ Run failed: %v\n", err)
	}

	fmt.Println("\n▶️ Run 2: order 20 is rejected")
	p, err = buildOrderPipeline(50, collector, 20)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	if err := conduit.Run(ctx, p); err != nil {
		var stageErr *conduit.StageError
		if errors.As(err, &stageErr) {
			fmt.Printf("❌ Stage '%s' failed: %v\n", stageErr.StageName, stageErr.OriginalError)
		} else {
			fmt.Printf("❌ Run failed: %v\n", err)
		}
	}

	inMemory.PrintStats()

	if *linger > 0 {
		fmt.Printf("\nServing metrics for %v...\n", *linger)
		time.Sleep(*linger)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown: %v", err)
	}

	fmt.Println("\nDemo Complete!")
}
