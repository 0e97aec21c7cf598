package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the engine's Prometheus instrumentation, scraped by the
// dashboard server's /metrics handler.
type metrics struct {
	eventsTotal    *prometheus.CounterVec
	decisionsTotal *prometheus.CounterVec
	edgeFires      prometheus.Counter
	breakerTrips   *prometheus.CounterVec
	eventQueueLen  prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		eventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_engine_events_total",
			Help: "Normalized events processed by the event loop, by kind.",
		}, []string{"kind"}),
		decisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_engine_decisions_total",
			Help: "Intents run through dispatch (strategy legs and flatten cancels/unwinds), by outcome: accepted, rejected or risk_rejected.",
		}, []string{"outcome"}),
		edgeFires: promauto.NewCounter(prometheus.CounterOpts{
			Name: "arb_engine_edge_fires_total",
			Help: "Place intents accepted by the order state machine; each arbitrage leg and each flatten unwind counts once.",
		}),
		breakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_engine_breaker_trips_total",
			Help: "Circuit breaker trips, by reason.",
		}, []string{"reason"}),
		eventQueueLen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "arb_engine_event_queue_length",
			Help: "Current depth of the normalized event channel.",
		}),
	}
}
