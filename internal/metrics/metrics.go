package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avisearch",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "avisearch",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	SearchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avisearch",
		Name:      "searches_total",
		Help:      "Completed primary searches by modality and outcome.",
	}, []string{"modality", "status"})

	SearchesSuperseded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "avisearch",
		Name:      "searches_superseded_total",
		Help:      "Search responses dropped because a newer request won the slot.",
	})

	CatalogHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "avisearch",
		Name:      "catalog_cache_hits_total",
		Help:      "Catalog reads served from the in-memory cache.",
	})

	CatalogMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "avisearch",
		Name:      "catalog_cache_misses_total",
		Help:      "Catalog reads that required a refresh.",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "avisearch",
		Name:      "sessions_active",
		Help:      "Number of live browsing sessions.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SearchesTotal,
		SearchesSuperseded,
		CatalogHitsTotal,
		CatalogMissesTotal,
		SessionsActive,
	)
}
