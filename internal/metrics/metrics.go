// Package metrics defines the Prometheus instrumentation emitted during
// one orchestrator run: fetch window sizing, job construction outcomes,
// counter subprocess duration/outcome, sink writes, and the watermark's
// resulting position.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task Fetcher

	FetchWindowHours = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "audit",
		Name:      "fetch_window_hours",
		Help:      "Length in hours of the query window used by the most recent fetch.",
	})

	CompletionRecordsFetched = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "audit",
		Name:      "completion_records_fetched",
		Help:      "Number of deduplicated completion records returned by the most recent fetch.",
	})

	FetchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "audit",
		Name:      "fetch_failures_total",
		Help:      "Total fetches that failed: no configured host reachable, or the query failed.",
	})

	// Config Resolver

	JobsBuiltTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audit",
		Name:      "jobs_built_total",
		Help:      "Total audit jobs constructed, by outcome.",
	}, []string{"outcome"}) // ok, placeholder_error

	// Counter Driver

	CounterDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "audit",
		Name:      "counter_duration_seconds",
		Help:      "Wall-clock duration of the counter subprocess per job.",
		Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"status"})

	JobsCountedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audit",
		Name:      "jobs_counted_total",
		Help:      "Total jobs measured, by resulting status.",
	}, []string{"status"}) // success, partial, failed

	// Result Sink

	SinkWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audit",
		Name:      "sink_writes_total",
		Help:      "Total ledger append attempts, by outcome.",
	}, []string{"outcome"}) // ok, error

	// Watermark

	WatermarkLastEndTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "audit",
		Name:      "watermark_last_end_time_seconds",
		Help:      "Unix timestamp of the watermark after the most recent successful run.",
	})

	WatermarkAdvancedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "audit",
		Name:      "watermark_advanced_total",
		Help:      "Total runs that advanced the watermark.",
	})

	// Orchestrator lifecycle

	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "audit",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of one orchestrator invocation.",
		Buckets:   prometheus.DefBuckets,
	})

	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "audit",
		Name:      "runs_total",
		Help:      "Total orchestrator invocations, by exit outcome.",
	}, []string{"outcome"}) // success, failure, cancelled
)

func Register() {
	prometheus.MustRegister(
		FetchWindowHours,
		CompletionRecordsFetched,
		FetchFailuresTotal,
		JobsBuiltTotal,
		CounterDuration,
		JobsCountedTotal,
		SinkWritesTotal,
		WatermarkLastEndTime,
		WatermarkAdvancedTotal,
		RunDuration,
		RunsTotal,
	)
}

// NewServer returns an HTTP server exposing /metrics, started for the
// lifetime of one run when --metrics-addr is set.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
