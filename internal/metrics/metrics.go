// Package metrics holds the shared prometheus collectors for the tile
// proxy, following the teacher's pattern in cmd/qrank-webserver and
// cmd/webserver of registering a handful of process-wide collectors and
// serving them at /metrics via promhttp.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// FetchTotal counts upstream fetch attempts per layer and outcome
	// (ok, tne, forbidden, decode_error, error).
	FetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "twms",
		Name:      "fetch_total",
		Help:      "Number of upstream tile fetch attempts, by layer and outcome.",
	}, []string{"layer", "outcome"})

	// FetchDuration tracks upstream fetch latency per layer.
	FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "twms",
		Name:      "fetch_duration_seconds",
		Help:      "Upstream tile fetch latency, by layer.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"layer"})

	// CacheLookups counts Tile File Cache reads, by layer and result
	// (hit, miss, tne).
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "twms",
		Name:      "cache_lookups_total",
		Help:      "Tile File Cache reads, by layer and result.",
	}, []string{"layer", "result"})

	// LRUHits and LRUMisses count lookups in the process-global in-RAM
	// tile LRU.
	LRUHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "twms",
		Name:      "engine_lru_hits_total",
		Help:      "Tile Engine in-RAM LRU hits.",
	})
	LRUMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "twms",
		Name:      "engine_lru_misses_total",
		Help:      "Tile Engine in-RAM LRU misses.",
	})

	// RenderDuration tracks Compositor render() latency.
	RenderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "twms",
		Name:      "render_duration_seconds",
		Help:      "Compositor render() latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// ResponseCacheLookups counts second-level composited-response cache
	// reads, by result (hit, miss).
	ResponseCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "twms",
		Name:      "response_cache_lookups_total",
		Help:      "Compositor second-level response cache reads, by result.",
	}, []string{"result"})
)

// MustRegister registers every collector in this package against the
// default prometheus registry. Called once from main.
func MustRegister() {
	prometheus.MustRegister(FetchTotal, FetchDuration, CacheLookups, LRUHits, LRUMisses, RenderDuration, ResponseCacheLookups)
}
