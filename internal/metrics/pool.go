package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tierproxy_cycles_total",
		Help: "Completed pipeline cycles by result (ok, failed, skipped)",
	}, []string{"result"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tierproxy_cycle_duration_seconds",
		Help:    "Wall-clock duration of a full pipeline cycle",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
	})

	SourceCandidates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tierproxy_source_candidates",
		Help: "Candidates returned by each source on its last successful fetch",
	}, []string{"source"})

	SourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tierproxy_source_failures_total",
		Help: "Source fetches that contributed no candidates because of an error",
	}, []string{"source"})

	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tierproxy_probes_total",
		Help: "Probe outcomes (reachable, unreachable, timeout)",
	}, []string{"result"})

	ProbeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tierproxy_probe_latency_ms",
		Help:    "Measured latency of reachable candidates in milliseconds",
		Buckets: []float64{10, 50, 100, 300, 800, 1500, 3000, 10000},
	})

	UpsertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tierproxy_upserts_total",
		Help: "Proxy records written by the upserter",
	})

	UpsertErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tierproxy_upsert_errors_total",
		Help: "Proxy record upserts that failed and were skipped",
	})

	ProxiesByTier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tierproxy_proxies",
		Help: "Stored proxies per tier after the last cycle",
	}, []string{"tier"})
)

// Storage metrics
var (
	DBConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tierproxy_db_connections_total",
		Help: "Database connection attempts by status (success, failure, closed)",
	}, []string{"status"})

	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tierproxy_db_errors_total",
		Help: "Database errors by operation",
	}, []string{"op"})
)
