// Command benchmark measures the hot paths of the pipeline's coordination
// substrate: pool allocate/release throughput, buffer manager put/get
// latency, signal processor frame cost, and event bus fan-out.
package main

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fankserver/audiotranscriber/internal/buffermgr"
	"github.com/fankserver/audiotranscriber/internal/feedback"
	"github.com/fankserver/audiotranscriber/internal/pool"
	"github.com/fankserver/audiotranscriber/internal/signal"
	"github.com/fankserver/audiotranscriber/internal/storage"
)

// BenchmarkResults holds benchmark results
type BenchmarkResults struct {
	TestName            string
	Duration            time.Duration
	OperationsPerSecond float64
	MemoryUsed          uint64
	GoroutineCount      int
	Details             string
}

func main() {
	fmt.Println("Audio Transcriber - Performance Benchmarks")
	fmt.Println("==========================================")

	results := make([]BenchmarkResults, 0)

	fmt.Println("\n1. Resource Pool Performance")
	results = append(results, benchmarkPool())

	fmt.Println("\n2. Buffer Manager Queue Performance")
	results = append(results, benchmarkBufferManager())

	fmt.Println("\n3. Signal Processor Frame Performance")
	results = append(results, benchmarkSignalProcessor())

	fmt.Println("\n4. Event Bus Performance")
	results = append(results, benchmarkEventBus())

	fmt.Println("\n5. Storage Write Performance")
	results = append(results, benchmarkStorage())

	printBenchmarkSummary(results)
}

func benchmarkPool() BenchmarkResults {
	const iterations = 100000

	p := pool.New(pool.DefaultConfig())
	tag := pool.Tag{Component: "benchmark", Channel: pool.ChannelLeft}

	var memBefore runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&memBefore)

	start := time.Now()
	for i := 0; i < iterations; i++ {
		id, err := p.Allocate(pool.Small, tag)
		if err != nil {
			continue
		}
		_ = p.Release(id, tag)
	}
	elapsed := time.Since(start)

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)

	snap := p.Snapshot()
	result := BenchmarkResults{
		TestName:            "Resource Pool Allocate/Release",
		Duration:            elapsed,
		OperationsPerSecond: float64(iterations) / elapsed.Seconds(),
		MemoryUsed:          memAfter.Alloc - memBefore.Alloc,
		GoroutineCount:      runtime.NumGoroutine(),
		Details:             fmt.Sprintf("allocated=%d peak=%d", snap[pool.Small].Allocated, snap[pool.Small].PeakInUse),
	}
	printResult(result)
	return result
}

func benchmarkBufferManager() BenchmarkResults {
	const iterations = 50000

	m := buffermgr.New(buffermgr.DefaultConfig())

	start := time.Now()
	for i := 0; i < iterations; i++ {
		el := buffermgr.Element{BufferID: pool.BufferID(i + 1), EnqueueTS: time.Now(), PayloadLen: 1920}
		if err := m.Put(buffermgr.Capture, pool.ChannelNone, el, time.Second); err != nil {
			continue
		}
		if _, err := m.Get(buffermgr.Capture, pool.ChannelNone, time.Second); err != nil {
			continue
		}
	}
	elapsed := time.Since(start)

	var latency time.Duration
	for _, qs := range m.Stats() {
		if qs.Stage == buffermgr.Capture && qs.Channel == pool.ChannelNone {
			latency = qs.MeanLatency
		}
	}

	result := BenchmarkResults{
		TestName:            "Buffer Manager Put/Get",
		Duration:            elapsed,
		OperationsPerSecond: float64(iterations*2) / elapsed.Seconds(),
		GoroutineCount:      runtime.NumGoroutine(),
		Details:             fmt.Sprintf("mean queue latency=%v", latency),
	}
	printResult(result)
	return result
}

func benchmarkSignalProcessor() BenchmarkResults {
	const iterations = 2000
	const frameSamples = 480

	alloc := &directAllocator{p: pool.New(pool.DefaultConfig())}
	proc := signal.New(signal.DefaultConfig(), alloc, nil)

	frame := make([]byte, frameSamples*4)
	for i := 0; i < frameSamples; i++ {
		v := int16(0.5 * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
		frame[i*4] = byte(uint16(v))
		frame[i*4+1] = byte(uint16(v) >> 8)
		frame[i*4+2] = byte(uint16(v))
		frame[i*4+3] = byte(uint16(v) >> 8)
	}

	start := time.Now()
	for i := 0; i < iterations; i++ {
		res, err := proc.Process("benchmark", signal.Frame{Interleaved: frame})
		if err == nil {
			res.Release()
		}
	}
	elapsed := time.Since(start)

	result := BenchmarkResults{
		TestName:            "Signal Processor Frame",
		Duration:            elapsed,
		OperationsPerSecond: float64(iterations) / elapsed.Seconds(),
		GoroutineCount:      runtime.NumGoroutine(),
		Details:             fmt.Sprintf("window=%d samples, %.2fms/frame", proc.CurrentWindow(), elapsed.Seconds()*1000/iterations),
	}
	printResult(result)
	return result
}

func benchmarkEventBus() BenchmarkResults {
	const iterations = 100000

	bus := feedback.NewEventBus(1024)
	var received int64
	var mu sync.Mutex

	bus.Subscribe(feedback.EventRecoveryMode, func(e feedback.Event) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	start := time.Now()
	for i := 0; i < iterations; i++ {
		bus.PublishRecoveryMode(feedback.RecoveryModeData{Entered: i%2 == 0, LoadEMA: 0.5})
	}
	elapsed := time.Since(start)

	result := BenchmarkResults{
		TestName:            "Event Bus Publish",
		Duration:            elapsed,
		OperationsPerSecond: float64(iterations) / elapsed.Seconds(),
		GoroutineCount:      runtime.NumGoroutine(),
		Details:             fmt.Sprintf("published=%d", iterations),
	}
	printResult(result)
	return result
}

func benchmarkStorage() BenchmarkResults {
	const iterations = 200

	dir, err := os.MkdirTemp("", "benchmark-storage")
	if err != nil {
		return BenchmarkResults{TestName: "Storage Write", Details: "tempdir failed: " + err.Error()}
	}
	defer os.RemoveAll(dir)

	cfg := storage.DefaultConfig()
	cfg.BaseDir = dir
	m, err := storage.New(cfg, nil)
	if err != nil {
		return BenchmarkResults{TestName: "Storage Write", Details: "setup failed: " + err.Error()}
	}
	m.Start()
	defer m.Stop()

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	start := time.Now()
	for i := 0; i < iterations; i++ {
		_ = m.Write(fmt.Sprintf("recordings/left/bench_%d.raw", i), payload, 0, pool.ChannelLeft, "benchmark")
	}
	for m.PendingCount() > 0 && time.Since(start) < 30*time.Second {
		time.Sleep(10 * time.Millisecond)
	}
	elapsed := time.Since(start)

	snap := m.Metrics()
	result := BenchmarkResults{
		TestName:            "Storage Write",
		Duration:            elapsed,
		OperationsPerSecond: float64(iterations) / elapsed.Seconds(),
		GoroutineCount:      runtime.NumGoroutine(),
		Details:             fmt.Sprintf("p50=%dns p95=%dns bytes=%d", snap.P50NS, snap.P95NS, snap.BytesTotal),
	}
	printResult(result)
	return result
}

// directAllocator satisfies signal.Allocator with a bare pool, bypassing
// the Monitoring Coordinator the production wiring routes through.
type directAllocator struct {
	p *pool.Pool
}

func (d *directAllocator) AllocateResource(owner string, tier pool.Tier, ch pool.Channel) (pool.BufferID, error) {
	return d.p.Allocate(tier, pool.Tag{Component: owner, Channel: ch})
}

func (d *directAllocator) ReleaseResource(owner string, id pool.BufferID, ch pool.Channel) error {
	return d.p.Release(id, pool.Tag{Component: owner, Channel: ch})
}

func (d *directAllocator) Pool() *pool.Pool { return d.p }

func printResult(r BenchmarkResults) {
	fmt.Printf("  %s: %.0f ops/sec over %v\n", r.TestName, r.OperationsPerSecond, r.Duration.Round(time.Millisecond))
	if r.Details != "" {
		fmt.Printf("  %s\n", r.Details)
	}
}

func printBenchmarkSummary(results []BenchmarkResults) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Benchmark Summary")
	fmt.Println(strings.Repeat("=", 60))
	for _, r := range results {
		fmt.Printf("%-35s %12.0f ops/sec\n", r.TestName, r.OperationsPerSecond)
	}
}
