package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilewarm_cache_probes_total",
		Help: "Edge cache existence probes by result (hit, miss, error)",
	}, []string{"result"})

	Renders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilewarm_renders_total",
		Help: "Tile render requests by result (success, failure)",
	}, []string{"result"})

	Forwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilewarm_forwards_total",
		Help: "Tile forwards to the edge cache by result (success, failure, rejected)",
	}, []string{"result"})

	RenderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilewarm_render_latency_seconds",
		Help:    "Latency of tile render requests in seconds",
		Buckets: prometheus.DefBuckets,
	})

	TileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilewarm_tile_duration_seconds",
		Help:    "Time spent on one tile (probe, render, forward) in seconds",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	TilesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilewarm_tiles_in_flight",
		Help: "Tiles currently being processed by warming workers",
	})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilewarm_runs_total",
		Help: "Warming runs by outcome (completed, failed, cancelled)",
	}, []string{"outcome"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilewarm_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})
)
