package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hot-path collectors. All are registered on the default registry so the
// /metrics endpoint in internal/api can serve them via promhttp.
var (
	// RequestsTotal counts classified requests by resolved action name.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stylobot",
		Name:      "requests_total",
		Help:      "Classified requests by resolved action.",
	}, []string{"action"})

	// DetectorDuration observes per-detector execution latency.
	DetectorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stylobot",
		Name:      "detector_duration_seconds",
		Help:      "Per-detector execution latency.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	}, []string{"detector"})

	// DetectorFailures counts detector panics, timeouts and errors.
	DetectorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stylobot",
		Name:      "detector_failures_total",
		Help:      "Detector faults (panic, timeout, error), by detector.",
	}, []string{"detector"})

	// PipelineDuration observes full orchestrator runtime per request.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stylobot",
		Name:      "pipeline_duration_seconds",
		Help:      "Full detection pipeline latency per request.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .2, .5},
	})

	// FastPathHits counts pipeline short-circuits by reputation status.
	FastPathHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stylobot",
		Name:      "fast_path_hits_total",
		Help:      "Fast-path reputation short-circuits by status.",
	}, []string{"status"})

	// LearningEventsDropped counts events lost to bus back-pressure.
	LearningEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stylobot",
		Name:      "learning_events_dropped_total",
		Help:      "Learning events dropped because the bus was full.",
	})

	// StoreWriteFailures is the per-store counter for dropped write-behind
	// batches. The stores in internal/store log and drop failed batches
	// without incrementing it.
	StoreWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stylobot",
		Name:      "store_write_failures_total",
		Help:      "Write-behind batches dropped on durable-store error.",
	}, []string{"store"})

	// PortFailures counts fail-open outcomes on external ports.
	PortFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stylobot",
		Name:      "port_failures_total",
		Help:      "External port (geo, honeypot, ASN, LLM) timeouts/errors.",
	}, []string{"port"})

	// EarlyExits counts pipeline early exits by cause.
	EarlyExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stylobot",
		Name:      "early_exits_total",
		Help:      "Pipeline early exits by cause (verdict, threshold, deadline).",
	}, []string{"cause"})
)
