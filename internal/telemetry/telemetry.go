// Package telemetry exposes the broadcast pipeline's prometheus collectors.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the collector set shared by the broadcast components. All fields
// are safe for concurrent use.
type Metrics struct {
	Emissions        *prometheus.CounterVec
	EmissionBytes    *prometheus.CounterVec
	ChunkedEmissions prometheus.Counter
	AckTimeouts      prometheus.Counter
	Evictions        prometheus.Counter
	SlowClientDrops  prometheus.Counter
	ConnectedClients prometheus.Gauge
	TickDuration     prometheus.Histogram
}

// New registers the collector set against reg and returns it. Pass a fresh
// registry in tests to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plantsync",
			Name:      "emissions_total",
			Help:      "Envelopes sent, by channel and update type.",
		}, []string{"channel", "type"}),
		EmissionBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plantsync",
			Name:      "emission_bytes_total",
			Help:      "Serialized envelope bytes sent, by channel.",
		}, []string{"channel"}),
		ChunkedEmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plantsync",
			Name:      "chunked_emissions_total",
			Help:      "Emissions that exceeded the payload budget and were split.",
		}),
		AckTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plantsync",
			Name:      "ack_timeouts_total",
			Help:      "Pending flags cleared because the client never acknowledged.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plantsync",
			Name:      "client_evictions_total",
			Help:      "Clients evicted to admit a new connection at capacity.",
		}),
		SlowClientDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plantsync",
			Name:      "slow_client_drops_total",
			Help:      "Clients disconnected because their outbox overflowed.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plantsync",
			Name:      "connected_clients",
			Help:      "Currently registered clients.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "plantsync",
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent broadcasting one tick.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Emissions, m.EmissionBytes, m.ChunkedEmissions, m.AckTimeouts,
			m.Evictions, m.SlowClientDrops, m.ConnectedClients, m.TickDuration,
		)
	}
	return m
}
