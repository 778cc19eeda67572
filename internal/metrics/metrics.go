// Package metrics holds the Prometheus collectors for weft channels.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the weft-specific collectors.
	Registry = prometheus.NewRegistry()

	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "weft",
			Subsystem: "channel",
			Name:      "live_connections",
			Help:      "Current number of authenticated server-side connections.",
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weft",
			Subsystem: "channel",
			Name:      "requests_total",
			Help:      "Total number of inbound frames dispatched.",
		},
		[]string{"action"},
	)

	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "weft",
			Subsystem: "channel",
			Name:      "broadcasts_total",
			Help:      "Total number of broadcast units published.",
		},
	)

	DroppedConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "weft",
			Subsystem: "channel",
			Name:      "dropped_connections_total",
			Help:      "Connections dropped by policy: write failure, backlog or fatal handler error.",
		},
	)
)

func init() {
	Registry.MustRegister(
		LiveConnections,
		RequestsTotal,
		BroadcastsTotal,
		DroppedConnectionsTotal,
	)
}

// Handler exposes the registry for the service binaries.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
