// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gdbrelay_sessions_active",
		Help: "Number of debugger sessions in the registry",
	})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gdbrelay_commands_total",
		Help: "Client commands accepted, by action",
	}, []string{"action"})
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gdbrelay_events_total",
		Help: "Debugger events handled, by kind",
	}, []string{"kind"})

	// WebSocket metrics
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gdbrelay_ws_connections",
		Help: "Number of open WebSocket connections",
	})
	TransportSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gdbrelay_transport_send_failures_total",
		Help: "Outbound frames that could not be handed to a transport",
	})

	// HTTP metrics
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gdbrelay_http_requests_total",
		Help: "Total number of HTTP API requests",
	}, []string{"method", "status"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
