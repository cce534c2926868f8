// Package metrics exposes the counters and histograms named in
// SPEC_FULL.md §7 "Metrics": cache hits/misses, evictions, inflight
// collapses, build duration by outcome, and current store occupancy.
// This is strictly observational — spec.md never names it as a
// functional requirement, but the teacher's ambient stack carries
// structured metrics wherever it has a long-lived daemon, and the
// retrieval pack's vjache-cie example shows the same
// prometheus/client_golang + promhttp.Handler wiring used here.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink collects every metric this module emits, registered against its
// own private Registry so multiple Sinks (e.g. one per test) never
// collide on process-global prometheus state.
type Sink struct {
	registry *prometheus.Registry

	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	evictions        prometheus.Counter
	inflightCollapse prometheus.Counter
	buildDuration    *prometheus.HistogramVec
	storeOccupancy   prometheus.Gauge
}

// New constructs a Sink with every metric registered.
func New() *Sink {
	reg := prometheus.NewRegistry()
	s := &Sink{
		registry: reg,
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "distclang",
			Name:      "cache_hits_total",
			Help:      "Requests served from the Artifact Store without a build.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "distclang",
			Name:      "cache_misses_total",
			Help:      "Requests that required a build.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "distclang",
			Name:      "store_evictions_total",
			Help:      "Entries removed from the Artifact Store by LRU eviction.",
		}),
		inflightCollapse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "distclang",
			Name:      "inflight_collapses_total",
			Help:      "Requests served by an existing in-flight build instead of starting a new one.",
		}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "distclang",
			Name:      "build_duration_seconds",
			Help:      "Build duration by outcome (local_ok, local_err, remote_ok, remote_err).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		storeOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "distclang",
			Name:      "store_occupancy_bytes",
			Help:      "Current Artifact Store occupancy in bytes.",
		}),
	}
	reg.MustRegister(s.cacheHits, s.cacheMisses, s.evictions, s.inflightCollapse, s.buildDuration, s.storeOccupancy)
	return s
}

// CacheHit implements dispatcher.Metrics.
func (s *Sink) CacheHit() { s.cacheHits.Inc() }

// CacheMiss implements dispatcher.Metrics.
func (s *Sink) CacheMiss() { s.cacheMisses.Inc() }

// InflightCollapse implements dispatcher.Metrics.
func (s *Sink) InflightCollapse() { s.inflightCollapse.Inc() }

// BuildCompleted implements dispatcher.Metrics.
func (s *Sink) BuildCompleted(outcome string, d time.Duration) {
	s.buildDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Eviction records one LRU eviction from the Artifact Store.
func (s *Sink) Eviction() { s.evictions.Inc() }

// SetStoreOccupancy reports the store's current occupancy in bytes.
func (s *Sink) SetStoreOccupancy(bytes uint64) { s.storeOccupancy.Set(float64(bytes)) }

// Handler serves the registered metrics in the Prometheus text format,
// for wiring onto the daemon's -metrics-listen address.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
