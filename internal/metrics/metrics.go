package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricefinder",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pricefinder",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
	}, []string{"method", "path"})

	SearchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricefinder",
		Name:      "searches_total",
		Help:      "Search requests by outcome (ready, pending, unavailable, maintenance).",
	}, []string{"outcome"})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pricefinder",
		Name:      "cache_hits_total",
		Help:      "Total number of result cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pricefinder",
		Name:      "cache_misses_total",
		Help:      "Total number of result cache misses, expired entries included.",
	})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pricefinder",
		Name:      "cache_entries",
		Help:      "Number of entries held in the in-memory result cache.",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pricefinder",
		Name:      "queue_depth",
		Help:      "Number of search keys waiting in the job queue.",
	})

	WorkerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pricefinder",
		Name:      "worker_state",
		Help:      "Current worker channel state (1 for the active state, 0 otherwise).",
	}, []string{"state"})

	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricefinder",
		Name:      "jobs_total",
		Help:      "Worker jobs by event (dispatched, completed, lost, requeued).",
	}, []string{"event"})

	StaleCompletionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pricefinder",
		Name:      "stale_completions_total",
		Help:      "Job completion messages that did not match the dispatched job.",
	})

	OffersDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricefinder",
		Name:      "offers_dropped_total",
		Help:      "Offers removed by the filtering pipeline, by stage.",
	}, []string{"stage"})

	WorkerConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricefinder",
		Name:      "worker_connections_total",
		Help:      "Worker connection attempts by result (accepted, rejected).",
	}, []string{"result"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SearchesTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEntries,
		QueueDepth,
		WorkerState,
		JobsTotal,
		StaleCompletionsTotal,
		OffersDroppedTotal,
		WorkerConnectionsTotal,
	)
}
