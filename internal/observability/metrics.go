// Package observability holds the transport's prometheus collectors. The
// collectors are package-level so the handlers can increment them without
// plumbing; nothing is exported to a registry until the caller asks.
package observability

import "github.com/prometheus/client_golang/prometheus"

// The mode label carries the transport shape: stateful, stateless, or sse.
var (
	// SessionsActive tracks the number of live sessions per transport mode.
	SessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mcp_sessions_active",
		Help: "Number of currently live sessions.",
	}, []string{"mode"})

	// SessionsInitialized counts sessions that completed the creation
	// handshake.
	SessionsInitialized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_sessions_initialized_total",
		Help: "Total number of sessions initialized.",
	}, []string{"mode"})

	// SessionsClosed counts sessions that reached their close hook.
	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_sessions_closed_total",
		Help: "Total number of sessions closed.",
	}, []string{"mode"})

	// InvalidSessions counts requests rejected for a missing, unknown, or
	// unverifiable session identifier.
	InvalidSessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_invalid_session_total",
		Help: "Total number of requests rejected for an invalid session.",
	}, []string{"mode"})

	// TransportErrors counts engine and delivery failures surfaced at the
	// handler boundary.
	TransportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_transport_errors_total",
		Help: "Total number of transport-level errors.",
	}, []string{"mode"})
)

// Register registers every collector with r. Registering the same collectors
// twice returns an error from the underlying registry.
func Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		SessionsActive,
		SessionsInitialized,
		SessionsClosed,
		InvalidSessions,
		TransportErrors,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
