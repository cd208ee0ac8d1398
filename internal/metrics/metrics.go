// Package metrics provides Prometheus instrumentation for the MailChat
// realtime backend. It exposes gauges for connection counts and counters
// for heartbeat, publish, and relay-forwarding throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of registered relay
	// connections on this instance.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailchat_relay_connections",
		Help: "Current number of active relay connections",
	})

	// HeartbeatsTotal counts presence heartbeat calls handled.
	HeartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailchat_heartbeats_total",
		Help: "Total number of presence heartbeats handled",
	})

	// BusPublishesTotal counts events published to the bus, by topic.
	BusPublishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailchat_bus_publishes_total",
		Help: "Total number of events published to the event bus",
	}, []string{"topic"})

	// EventsForwardedTotal counts events forwarded to local connections,
	// by topic.
	EventsForwardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailchat_events_forwarded_total",
		Help: "Total number of bus events forwarded to local connections",
	}, []string{"topic"})

	// ForwardErrorsTotal counts forwarding failures that terminated a
	// relay session.
	ForwardErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailchat_forward_errors_total",
		Help: "Total number of forwarding failures that closed a session",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		HeartbeatsTotal,
		BusPublishesTotal,
		EventsForwardedTotal,
		ForwardErrorsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
