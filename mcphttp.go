// Package mcphttp adapts a Model Context Protocol engine onto net/http in the
// three transport shapes MCP clients speak:
//
//   - StatefulHandler: the streamable HTTP transport. POST, GET, and DELETE
//     multiplex on one path; sessions are identified by the Mcp-Session-Id
//     header, created by an initialize request and torn down by DELETE.
//   - StatelessHandler: the same wire shape with no session reuse. Every POST
//     gets a fresh engine and channel; both are released when the response
//     finishes.
//   - SSEHandler: the legacy two-endpoint transport. A long-lived GET opens
//     the event stream and self-assigns a session id; a POST side-channel
//     delivers inbound messages by sessionId query parameter.
//
// The protocol engine itself is supplied by the caller. The handlers own the
// session lifecycle: registry bookkeeping, at-most-one live channel per id,
// and deterministic cleanup on every exit path (termination, client
// disconnect, protocol error, transport error).
package mcphttp

import (
	"context"

	"github.com/ggoodman/mcp-http-adapters-go/jsonrpc"
)

// MessageWriter is the channel-side surface an engine uses to push
// server-initiated messages (notifications or server-to-client requests)
// outside the request/response cycle.
//
// On a stateful channel the writer targets the session's standalone GET
// stream. Live subscribers receive the frame directly; when an event store is
// configured the frame is also retained for Last-Event-ID replay. With no
// subscriber and no store, WriteMessage returns ErrNoSubscriber. Stateless
// channels have no standalone stream at all, so pushes on them always return
// ErrNoSubscriber.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

// Engine interprets protocol messages for a single channel. Implementations
// hold whatever per-conversation state the protocol needs; the handlers never
// look inside the messages beyond the JSON-RPC envelope.
//
// Connect is called exactly once, before any message is delivered, and hands
// the engine the channel's MessageWriter. The writer stays valid until Close.
// Close is called exactly once per engine instance.
type Engine interface {
	Connect(ctx context.Context, w MessageWriter) error
	HandleRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)
	HandleNotification(ctx context.Context, note *jsonrpc.Request) error
	HandleResponse(ctx context.Context, res *jsonrpc.Response) error
	Close(ctx context.Context) error
}

// EngineFactory produces a fresh engine. The stateful and streaming handlers
// call it once per session; the stateless handler once per request.
type EngineFactory func(ctx context.Context) (Engine, error)

// initializeMethod is the protocol method that opens a session on the
// stateful transport.
const initializeMethod = "initialize"

// supportedProtocolVersions are the protocol revisions accepted in the
// Mcp-Protocol-Version request header, newest first.
var supportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}
