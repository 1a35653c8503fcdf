package validator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"tierproxy/internal/metrics"
	"tierproxy/internal/shared/logger"
	"tierproxy/internal/shared/types"
	"tierproxy/proxypool/model"
	"tierproxy/proxypool/scraper"
)

// Stats summarizes one ProbeAll run. Individual probe failures are only visible here.
type Stats struct {
	Candidates int `json:"candidates"`
	Sampled    int `json:"sampled"`
	Probed     int `json:"probed"`
	Reachable  int `json:"reachable"`
	TimedOut   int `json:"timed_out"`
	Fallback   int `json:"fallback"`
	Batches    int `json:"batches"`
}

// Engine probes candidates in sequential, fixed-size batches.
type Engine struct {
	checker      Checker
	batchSize    int
	sampleCap    int
	probeTimeout time.Duration
	fallbacks    []string
	fallbackMs   int
	shuffle      func(n int, swap func(i, j int))
}

// NewEngine creates a probe engine. probeTimeout bounds each probe including geolocation.
func NewEngine(checker Checker, batchSize, sampleCap int, probeTimeout time.Duration) *Engine {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Engine{
		checker:      checker,
		batchSize:    batchSize,
		sampleCap:    sampleCap,
		probeTimeout: probeTimeout,
		shuffle:      rand.Shuffle,
	}
}

// FromConf builds an engine with the default HTTPChecker.
func FromConf(pc types.PoolConf, probe types.ProbeConf) *Engine {
	// every target may time out before geolocation runs
	budget := probe.LivenessTimeout*time.Duration(len(probe.LivenessTargets)) + probe.GeoTimeout + time.Second
	e := NewEngine(NewHTTPChecker(probe), pc.BatchSize, pc.SampleCap, budget)
	e.SetFallbacks(pc.Fallbacks, pc.FallbackMs)
	return e
}

// SetFallbacks configures endpoints that bypass probing and are always reported reachable.
func (e *Engine) SetFallbacks(endpoints []string, latencyMs int) {
	e.fallbacks = e.fallbacks[:0]
	for _, raw := range endpoints {
		if ep, ok := scraper.Normalize(raw); ok {
			e.fallbacks = append(e.fallbacks, ep)
		}
	}
	e.fallbackMs = latencyMs
}

// ProbeAll probes every candidate and calls onBatch with the reachable results of each batch.
// Batch N is handed to onBatch before batch N+1 starts. Fallback results are delivered first.
func (e *Engine) ProbeAll(ctx context.Context, candidates map[string]struct{}, onBatch func([]model.ProbeResult)) Stats {
	l := logger.WithComponent("ProxyPool/Validator")
	stats := Stats{Candidates: len(candidates)}

	if len(e.fallbacks) > 0 {
		injected := make([]model.ProbeResult, 0, len(e.fallbacks))
		for _, ep := range e.fallbacks {
			injected = append(injected, model.ProbeResult{
				Endpoint:    ep,
				Reachable:   true,
				LatencyMs:   e.fallbackMs,
				Country:     model.UnknownCountry,
				CountryCode: model.UnknownCountryCode,
				Source:      model.SourceFallback,
			})
		}
		stats.Fallback = len(injected)
		onBatch(injected)
	}

	pending, sampled := e.selectCandidates(candidates)
	stats.Sampled = len(pending)
	if sampled {
		l.Info().Int("candidates", len(candidates)).Int("cap", e.sampleCap).Msg("Candidate set sampled down to cap.")
	}

	l.Info().Int("count", len(pending)).Int("batch_size", e.batchSize).Msg("Starting probe run...")

	for start := 0; start < len(pending); start += e.batchSize {
		if ctx.Err() != nil {
			l.Warn().Err(ctx.Err()).Int("probed", stats.Probed).Msg("Probe run interrupted.")
			break
		}
		end := start + e.batchSize
		if end > len(pending) {
			end = len(pending)
		}

		results, timedOut := e.runBatch(ctx, pending[start:end])
		stats.Batches++
		stats.Probed += len(results)
		stats.TimedOut += timedOut
		metrics.ProbesTotal.WithLabelValues("timeout").Add(float64(timedOut))

		reachable := make([]model.ProbeResult, 0, len(results))
		for _, r := range results {
			if r.Reachable {
				reachable = append(reachable, r)
				metrics.ProbesTotal.WithLabelValues("reachable").Inc()
				metrics.ProbeLatency.Observe(float64(r.LatencyMs))
			}
		}
		metrics.ProbesTotal.WithLabelValues("unreachable").Add(float64(len(results) - len(reachable) - timedOut))
		stats.Reachable += len(reachable)

		l.Debug().Int("batch", stats.Batches).Int("size", len(results)).Int("reachable", len(reachable)).Msg("Batch finished.")
		if len(reachable) > 0 {
			onBatch(reachable)
		}
	}

	l.Info().
		Int("probed", stats.Probed).
		Int("reachable", stats.Reachable).
		Int("timed_out", stats.TimedOut).
		Int("fallback", stats.Fallback).
		Msg("Probe run finished.")
	return stats
}

// selectCandidates removes fallbacks and samples the rest down to sampleCap.
func (e *Engine) selectCandidates(candidates map[string]struct{}) ([]string, bool) {
	skip := make(map[string]struct{}, len(e.fallbacks))
	for _, ep := range e.fallbacks {
		skip[ep] = struct{}{}
	}

	pending := make([]string, 0, len(candidates))
	for ep := range candidates {
		if _, ok := skip[ep]; !ok {
			pending = append(pending, ep)
		}
	}
	sort.Strings(pending)

	if e.sampleCap > 0 && len(pending) > e.sampleCap {
		e.shuffle(len(pending), func(i, j int) {
			pending[i], pending[j] = pending[j], pending[i]
		})
		return pending[:e.sampleCap], true
	}
	return pending, false
}

// runBatch probes every endpoint concurrently and returns once all of them resolved.
func (e *Engine) runBatch(ctx context.Context, batch []string) ([]model.ProbeResult, int) {
	results := make([]model.ProbeResult, len(batch))
	expired := make([]bool, len(batch))
	var g errgroup.Group
	for i, ep := range batch {
		g.Go(func() error {
			results[i], expired[i] = e.probeOne(ctx, ep)
			return nil
		})
	}
	g.Wait()

	timedOut := 0
	for _, x := range expired {
		if x {
			timedOut++
		}
	}
	return results, timedOut
}

// probeOne bounds a single probe by its own deadline. A checker that ignores its context is
// abandoned when the deadline passes and the candidate counts as unreachable.
func (e *Engine) probeOne(ctx context.Context, endpoint string) (model.ProbeResult, bool) {
	if e.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.probeTimeout)
		defer cancel()
	}

	done := make(chan model.ProbeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Str("endpoint", endpoint).Str("panic", fmt.Sprint(r)).Msg("Checker panicked.")
				done <- model.NewUnreachable(endpoint)
			}
		}()
		done <- e.checker.Check(ctx, endpoint)
	}()

	select {
	case r := <-done:
		r.Endpoint = endpoint
		if r.Source == "" {
			r.Source = model.SourceProbe
		}
		return r, false
	case <-ctx.Done():
		return model.NewUnreachable(endpoint), true
	}
}
