// Package metrics provides Prometheus instrumentation for the chat sync
// client. It exposes a gauge for the connection state, counters for command
// and event throughput, and reconciliation outcomes for the optimistic-send
// path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 0 = connecting, 1 = open, 2 = closed.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connection_state",
		Help: "Current transport state (0=connecting, 1=open, 2=closed)",
	})

	// ReconnectAttempts counts dial attempts after the first one.
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnect_attempts_total",
		Help: "Total number of reconnect attempts",
	})

	// CommandsTotal counts outbound commands, labeled by command type and
	// outcome: "sent", "queued", "dropped".
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_commands_total",
		Help: "Total number of outbound commands by outcome",
	}, []string{"type", "outcome"})

	// EventsTotal counts inbound events by type. Undecodable frames are
	// counted under type "invalid".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_total",
		Help: "Total number of inbound events received",
	}, []string{"type"})

	// ReconcileTotal counts how new_message events were applied: "replaced",
	// "appended", "duplicate" or "ignored". Events held during a page load
	// are counted once they are replayed.
	ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_reconcile_total",
		Help: "Outcome of applying server messages to the active buffer",
	}, []string{"outcome"})

	// FetchErrors counts failed REST calls by operation.
	FetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_fetch_errors_total",
		Help: "Total number of failed REST calls",
	}, []string{"op"})

	// FetchLatency records REST round-trip latency in seconds.
	FetchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_fetch_latency_seconds",
		Help:    "REST call latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"op"})

	// RelayPublished counts events republished to NATS.
	RelayPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_relay_published_total",
		Help: "Total number of frames republished by the relay",
	}, []string{"subject"})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttempts,
		CommandsTotal,
		EventsTotal,
		ReconcileTotal,
		FetchErrors,
		FetchLatency,
		RelayPublished,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
