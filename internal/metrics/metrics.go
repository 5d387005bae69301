// Package metrics provides the Prometheus collectors of the broker.
//
// Labels are bounded: document kinds, backend names, route patterns and
// result categories. Uids and datum ids never appear in labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DocumentsInsertedTotal counts documents written, by kind, backend and
	// outcome (inserted, duplicate, rejected).
	DocumentsInsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "databroker_documents_inserted_total",
		Help: "Total number of documents inserted, by kind, backend and outcome.",
	}, []string{"kind", "backend", "outcome"})

	// DatumRetrievalsTotal counts datum retrievals by result.
	DatumRetrievalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "databroker_datum_retrievals_total",
		Help: "Total number of datum retrievals, by result (ok, not_found, error).",
	}, []string{"result"})

	// DatumRetrievalDuration measures handler reads.
	DatumRetrievalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "databroker_datum_retrieval_duration_seconds",
		Help:    "Time spent reading external data through a handler.",
		Buckets: prometheus.DefBuckets,
	})

	// CacheLookupsTotal counts datum cache lookups by result (hit, miss).
	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "databroker_cache_lookups_total",
		Help: "Total number of datum cache lookups, by result.",
	}, []string{"result"})

	// HTTPRequestDuration measures metadata server request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "databroker_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	// HTTPRequestsInFlight tracks requests being served.
	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "databroker_http_requests_in_flight",
		Help: "Current number of HTTP requests being served.",
	})

	// ConfigReloadsTotal counts config file reloads by result (ok, error).
	ConfigReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "databroker_config_reloads_total",
		Help: "Total number of configuration reloads, by result.",
	}, []string{"result"})
)

// RecordInsert increments the insert counter.
func RecordInsert(kind, backend, outcome string) {
	DocumentsInsertedTotal.WithLabelValues(kind, backend, outcome).Inc()
}

// RecordRetrieval increments the retrieval counter.
func RecordRetrieval(result string) {
	DatumRetrievalsTotal.WithLabelValues(result).Inc()
}

// RecordCacheLookup records a datum cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordConfigReload records the outcome of a config reload.
func RecordConfigReload(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ConfigReloadsTotal.WithLabelValues(result).Inc()
}
