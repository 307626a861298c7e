// Package telemetry exposes Prometheus metrics for the message pipeline.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesEnqueued counts JSON-RPC responses written to the session
	// queue, labeled by method.
	MessagesEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcpgate",
		Name:      "messages_enqueued_total",
		Help:      "JSON-RPC responses enqueued for stream delivery.",
	}, []string{"method"})

	// MessagesDelivered counts messages successfully emitted on a stream.
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcpgate",
		Name:      "messages_delivered_total",
		Help:      "Queued messages delivered over SSE or streamable HTTP.",
	})

	// MessagesDropped counts messages lost because the queue write failed.
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcpgate",
		Name:      "messages_dropped_total",
		Help:      "Messages dropped because they could not be enqueued.",
	})

	// RequestsDispatched counts dispatched JSON-RPC requests by method
	// and outcome.
	RequestsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcpgate",
		Name:      "requests_dispatched_total",
		Help:      "Dispatched JSON-RPC requests.",
	}, []string{"method", "outcome"})

	// ActiveStreams tracks open SSE and streamable connections.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mcpgate",
		Name:      "active_streams",
		Help:      "Currently open streaming connections.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
