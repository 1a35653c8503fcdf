package validator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tierproxy/proxypool/model"
)

// mockChecker reports every endpoint reachable unless it is listed in hang or dead.
type mockChecker struct {
	latency  int
	hang     map[string]bool
	dead     map[string]bool
	release  chan struct{}
	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	mu       sync.Mutex
	seen     []string
}

func (m *mockChecker) Check(ctx context.Context, endpoint string) model.ProbeResult {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxSeen.Load()
		if n <= cur || m.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	m.mu.Lock()
	m.seen = append(m.seen, endpoint)
	m.mu.Unlock()

	if m.hang[endpoint] {
		// ignores ctx on purpose
		<-m.release
		return model.NewUnreachable(endpoint)
	}
	time.Sleep(5 * time.Millisecond)
	if m.dead[endpoint] {
		return model.NewUnreachable(endpoint)
	}
	return model.ProbeResult{
		Endpoint:    endpoint,
		Reachable:   true,
		LatencyMs:   m.latency,
		Country:     "United States",
		CountryCode: "US",
	}
}

func candidateSet(n int) map[string]struct{} {
	set := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		set[fmt.Sprintf("198.51.100.%d:8080", i+1)] = struct{}{}
	}
	return set
}

func collect(e *Engine, candidates map[string]struct{}) ([][]model.ProbeResult, Stats) {
	var batches [][]model.ProbeResult
	stats := e.ProbeAll(context.Background(), candidates, func(rs []model.ProbeResult) {
		batches = append(batches, rs)
	})
	return batches, stats
}

func TestProbeAll_HungProbeDoesNotBlockBatch(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	checker := &mockChecker{
		latency: 120,
		hang:    map[string]bool{"198.51.100.1:8080": true},
		release: release,
	}
	e := NewEngine(checker, 10, 0, 200*time.Millisecond)

	start := time.Now()
	batches, stats := collect(e, candidateSet(5))
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("Expected the batch to finish near the probe timeout, took %v", elapsed)
	}
	if stats.TimedOut != 1 {
		t.Errorf("Expected 1 timed out probe, got %d", stats.TimedOut)
	}
	if len(batches) != 1 || len(batches[0]) != 4 {
		t.Fatalf("Expected one batch with 4 reachable results, got %v", batches)
	}
	for _, r := range batches[0] {
		if r.Endpoint == "198.51.100.1:8080" {
			t.Errorf("Hung endpoint must not be reported reachable")
		}
	}
}

func TestProbeAll_BatchesAreBoundedAndSequential(t *testing.T) {
	checker := &mockChecker{latency: 100}
	e := NewEngine(checker, 4, 0, time.Second)

	batches, stats := collect(e, candidateSet(10))

	if stats.Batches != 3 {
		t.Errorf("Expected 3 batches for 10 candidates of size 4, got %d", stats.Batches)
	}
	if len(batches) != 3 {
		t.Errorf("Expected onBatch to be called 3 times, got %d", len(batches))
	}
	if got := checker.maxSeen.Load(); got > 4 {
		t.Errorf("Expected at most 4 concurrent probes, saw %d", got)
	}
	if stats.Reachable != 10 {
		t.Errorf("Expected 10 reachable, got %d", stats.Reachable)
	}
}

func TestProbeAll_DeadCandidatesAreDropped(t *testing.T) {
	checker := &mockChecker{
		latency: 100,
		dead:    map[string]bool{"198.51.100.2:8080": true, "198.51.100.3:8080": true},
	}
	e := NewEngine(checker, 50, 0, time.Second)

	batches, stats := collect(e, candidateSet(3))
	if stats.Reachable != 1 || stats.Probed != 3 {
		t.Errorf("Expected 1 reachable of 3 probed, got %+v", stats)
	}
	if len(batches) != 1 || batches[0][0].Endpoint != "198.51.100.1:8080" {
		t.Errorf("Unexpected batches: %v", batches)
	}
}

func TestProbeAll_SamplesDownToCap(t *testing.T) {
	checker := &mockChecker{latency: 100}
	e := NewEngine(checker, 50, 7, time.Second)

	_, stats := collect(e, candidateSet(40))
	if stats.Sampled != 7 {
		t.Errorf("Expected 7 sampled candidates, got %d", stats.Sampled)
	}
	if got := checker.calls.Load(); got != 7 {
		t.Errorf("Expected 7 checker calls, got %d", got)
	}
}

func TestProbeAll_FallbacksBypassProbing(t *testing.T) {
	checker := &mockChecker{latency: 100, dead: map[string]bool{}}
	for ep := range candidateSet(3) {
		checker.dead[ep] = true
	}
	e := NewEngine(checker, 50, 0, time.Second)
	e.SetFallbacks([]string{"198.51.100.1:8080", "not-an-endpoint"}, 150)

	batches, stats := collect(e, candidateSet(3))

	if stats.Fallback != 1 {
		t.Fatalf("Expected 1 fallback result, got %d", stats.Fallback)
	}
	if len(batches) != 1 {
		t.Fatalf("Expected only the fallback batch, got %d batches", len(batches))
	}
	fb := batches[0][0]
	if !fb.Reachable || fb.LatencyMs != 150 || fb.Source != "fallback" || fb.CountryCode != model.UnknownCountryCode {
		t.Errorf("Unexpected fallback result: %+v", fb)
	}
	for _, ep := range checker.seen {
		if ep == "198.51.100.1:8080" {
			t.Errorf("Fallback endpoint must not be probed")
		}
	}
	if stats.Probed != 2 {
		t.Errorf("Expected 2 probed candidates, got %d", stats.Probed)
	}
}

func TestProbeAll_CancelledContextStopsBetweenBatches(t *testing.T) {
	checker := &mockChecker{latency: 100}
	e := NewEngine(checker, 2, 0, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	e.ProbeAll(ctx, candidateSet(10), func([]model.ProbeResult) {
		calls++
		cancel()
	})
	if calls != 1 {
		t.Errorf("Expected probing to stop after the first batch, got %d batches", calls)
	}
}
