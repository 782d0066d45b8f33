// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	TileDuration  prometheus.Histogram
	TilesInFlight prometheus.Gauge
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	Conversions   *prometheus.CounterVec
}

// New registers a fresh set of collectors on their own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slidezoom_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		TileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slidezoom_tile_render_seconds",
			Help:    "Time spent opening a slide and encoding one tile.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		TilesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slidezoom_tiles_in_flight",
			Help: "Tile renders currently holding a worker slot.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slidezoom_tile_cache_hits_total",
			Help: "Tiles served from the encoded tile cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slidezoom_tile_cache_misses_total",
			Help: "Tiles that had to be rendered.",
		}),
		Conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slidezoom_conversions_total",
			Help: "Conversion attempts by strategy and result.",
		}, []string{"strategy", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Requests,
		m.TileDuration,
		m.TilesInFlight,
		m.CacheHits,
		m.CacheMisses,
		m.Conversions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
