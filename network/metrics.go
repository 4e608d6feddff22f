package network

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type clientMetrics struct {
	requests      *prometheus.CounterVec
	responses     *prometheus.CounterVec
	notifications *prometheus.CounterVec
	pending       prometheus.Gauge
	connected     prometheus.Gauge
}

var (
	clientMetricsOnce sync.Once
	clientRegistry    *clientMetrics
)

func defaultClientMetrics() *clientMetrics {
	clientMetricsOnce.Do(func() {
		clientRegistry = &clientMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "smartwallet",
				Subsystem: "network",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests written to the wallet server, by method.",
			}, []string{"method"}),
			responses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "smartwallet",
				Subsystem: "network",
				Name:      "responses_total",
				Help:      "Total JSON-RPC replies received, by outcome (result, error, orphan, malformed).",
			}, []string{"outcome"}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "smartwallet",
				Subsystem: "network",
				Name:      "notifications_total",
				Help:      "Total subscription notifications received, by method.",
			}, []string{"method"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "smartwallet",
				Subsystem: "network",
				Name:      "pending_requests",
				Help:      "Requests written to the server that have not been answered yet.",
			}),
			connected: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "smartwallet",
				Subsystem: "network",
				Name:      "connected",
				Help:      "Whether the websocket to the wallet server is established (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			clientRegistry.requests,
			clientRegistry.responses,
			clientRegistry.notifications,
			clientRegistry.pending,
			clientRegistry.connected,
		)
	})
	return clientRegistry
}
