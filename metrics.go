package mcphttp

import (
	"github.com/ggoodman/mcp-http-adapters-go/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics registers the transport's prometheus collectors with r.
// The collectors are shared by every handler in the process; register them
// once, typically against prometheus.DefaultRegisterer.
func RegisterMetrics(r prometheus.Registerer) error {
	return observability.Register(r)
}
