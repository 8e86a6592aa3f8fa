package mcphttp

import (
	"log/slog"
	"strings"

	"github.com/ggoodman/mcp-http-adapters-go/eventstore"
)

// Option configures a handler constructor. The same option set is shared by
// all three handlers; options that do not apply to a handler are ignored by
// it (an event store on StatelessHandler, paths on anything but SSEHandler).
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	gen            SessionIDGenerator
	hooks          Hooks
	store          eventstore.Store
	allowedOrigins []string
	ssePath        string
	messagesPath   string
}

func defaultConfig() *newConfig {
	return &newConfig{
		logger:       slog.Default(),
		gen:          UUIDGenerator{},
		ssePath:      "/sse",
		messagesPath: "/messages",
	}
}

// WithLogger sets the slog logger used by the handler. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSessionIDGenerator sets the supplier of session identifiers. Defaults
// to UUIDGenerator. Identifier uniqueness is the generator's problem; a
// duplicate fails the colliding initialize rather than displacing the live
// session.
func WithSessionIDGenerator(g SessionIDGenerator) Option {
	return func(c *newConfig) {
		if g != nil {
			c.gen = g
		}
	}
}

// WithHooks sets the lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(c *newConfig) { c.hooks = h }
}

// WithEventStore retains pushed messages for Last-Event-ID replay on the
// stateful GET stream.
func WithEventStore(s eventstore.Store) Option {
	return func(c *newConfig) { c.store = s }
}

// WithAllowedOrigins restricts browser callers: requests carrying an Origin
// header not in the list are refused with 403. With no list configured, the
// Origin header is not inspected.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *newConfig) { c.allowedOrigins = append(c.allowedOrigins[:0:0], origins...) }
}

// WithSSEPath sets the path SSEHandler serves the event stream on. Defaults
// to "/sse".
func WithSSEPath(p string) Option {
	return func(c *newConfig) {
		if p = strings.TrimSpace(p); p != "" {
			c.ssePath = p
		}
	}
}

// WithMessagesPath sets the path SSEHandler accepts inbound messages on, as
// advertised to clients in the stream's endpoint event. Defaults to
// "/messages".
func WithMessagesPath(p string) Option {
	return func(c *newConfig) {
		if p = strings.TrimSpace(p); p != "" {
			c.messagesPath = p
		}
	}
}
