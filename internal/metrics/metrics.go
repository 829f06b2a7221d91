// Package metrics exposes prometheus collectors for transport and
// resource activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks time spent on HTTP requests to the server.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mattersync_request_duration_seconds",
		Help:    "Time spent on HTTP requests to the Mattermost API",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"method", "endpoint", "status_code"})

	// RequestsTotal counts HTTP requests by outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mattersync_requests_total",
		Help: "Total number of HTTP requests to the Mattermost API",
	}, []string{"method", "endpoint", "status_code"})

	// ErrorsTotal counts errors by type.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mattersync_errors_total",
		Help: "Total number of errors by type",
	}, []string{"error_type", "endpoint"})

	// WebsocketConnected is 1 while the websocket is authenticated.
	WebsocketConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mattersync_websocket_connected",
		Help: "Whether the websocket connection is authenticated (0 or 1)",
	})

	// ReconnectsTotal counts websocket reconnect attempts.
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mattersync_websocket_reconnects_total",
		Help: "Total number of websocket reconnect attempts",
	})

	// ResourceUpdatesTotal counts emitted resource updates by kind.
	ResourceUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mattersync_resource_updates_total",
		Help: "Total number of resource updates by type",
	}, []string{"resource", "update_type"})
)
