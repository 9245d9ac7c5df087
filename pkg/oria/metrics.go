package oria

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oria",
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Total number of natural key cache lookups broken down by cache and hit/miss.",
	}, []string{"cache", "result"})

	cacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oria",
		Subsystem: "cache",
		Name:      "invalidate_total",
		Help:      "Total number of natural key cache invalidations broken down by cache.",
	}, []string{"cache"})

	statements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oria",
		Subsystem: "db",
		Name:      "statements_total",
		Help:      "Total number of statements executed broken down by kind.",
	}, []string{"kind"})

	integrityErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oria",
		Subsystem: "db",
		Name:      "integrity_errors_total",
		Help:      "Total number of writes rejected by integrity constraints.",
	})
)

func recordCacheRequest(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheRequests.WithLabelValues(cache, result).Inc()
}

func recordCacheInvalidate(cache string) {
	cacheInvalidations.WithLabelValues(cache).Inc()
}
