// Package metrics holds the process-wide Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StaleSamples counts location samples dropped because they were not
	// newer than the member's last accepted sample. Dropping is silent on
	// the wire; this counter is the only place it shows.
	StaleSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_stale_samples_total",
		Help: "Location samples dropped for being older than the last accepted sample.",
	})

	// Deltas counts group deltas broadcast, partitioned by delta kind.
	Deltas = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rendezvous_deltas_total",
		Help: "Group deltas broadcast, by kind.",
	}, []string{"kind"})

	// ActiveSessions tracks currently attached WebSocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rendezvous_sessions_active",
		Help: "Currently attached sessions.",
	})

	// InvalidMessages counts inbound messages rejected before reaching a
	// group actor (unknown event, malformed payload).
	InvalidMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_invalid_messages_total",
		Help: "Inbound messages rejected before reaching a group.",
	})
)
