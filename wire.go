package mcphttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-http-adapters-go/jsonrpc"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	originHeader             = "Origin"
)

// Client-visible rejection bodies. The plain-text ones are load-bearing:
// existing clients match on them.
const (
	msgInvalidSession     = "Invalid or missing session ID"
	msgInternalError      = "Internal server error"
	msgNoTransport        = "No transport found for sessionId"
	msgInvalidMessage     = "Invalid message"
	msgForbiddenOrigin    = "Forbidden"
	msgBadSessionHeader   = "Bad Request: No valid session ID provided"
	msgMethodNotAllowed   = "Method not allowed."
	msgAlreadyInitialized = "Invalid Request: Server already initialized"
	msgStreamConflict     = "Conflict: Only one SSE stream is allowed per session"
)

// errorEnvelope is the structured JSON-RPC error body the JSON-speaking
// endpoints answer with. The id member is always the null literal: these
// rejections happen before any request id is trustworthy.
type errorEnvelope struct {
	JSONRPCVersion string         `json:"jsonrpc"`
	Error          *jsonrpc.Error `json:"error"`
	ID             any            `json:"id"`
}

func writeJSONRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, message string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Error:          &jsonrpc.Error{Code: code, Message: message},
		ID:             nil,
	})
}

// writePlainError writes a one-line plain-text rejection with no trailing
// newline so the body compares byte-for-byte.
func writePlainError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

// guardedResponseWriter wraps the output sink and records whether a status or
// body byte has been written. Error paths consult committed() instead of
// risking a second response on a stream the channel already started.
type guardedResponseWriter struct {
	http.ResponseWriter
	flusher http.Flusher

	mu    sync.Mutex
	wrote bool
}

func newGuardedWriter(w http.ResponseWriter) *guardedResponseWriter {
	f, _ := w.(http.Flusher)
	return &guardedResponseWriter{ResponseWriter: w, flusher: f}
}

func (g *guardedResponseWriter) WriteHeader(code int) {
	g.mu.Lock()
	g.wrote = true
	g.mu.Unlock()
	g.ResponseWriter.WriteHeader(code)
}

func (g *guardedResponseWriter) Write(p []byte) (int, error) {
	g.mu.Lock()
	g.wrote = true
	g.mu.Unlock()
	return g.ResponseWriter.Write(p)
}

func (g *guardedResponseWriter) Flush() {
	if g.flusher != nil {
		g.flusher.Flush()
	}
}

func (g *guardedResponseWriter) canStream() bool { return g.flusher != nil }

func (g *guardedResponseWriter) committed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wrote
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it. An empty
// msgID omits the id field; clients only need ids where replay is possible.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	return writeNamedSSEEvent(wf, "", msgID, payload)
}

func writeNamedSSEEvent(wf *lockedWriteFlusher, event, msgID string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// writeSSEHeaders commits the response as an event stream.
func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// decodeMessage reads the single JSON-RPC message a POST body must carry,
// writing the structured rejection itself on failure. Batch arrays are
// refused: neither transport shape supports them.
func decodeMessage(w http.ResponseWriter, r *http.Request, log *slog.Logger) (*jsonrpc.AnyMessage, bool) {
	ctx := r.Context()
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error: invalid JSON body")
		log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error: batch messages are not supported")
		log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return nil, false
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error: "+err.Error())
		log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return nil, false
	}
	return &msg, true
}

// acceptsEventStream reports whether the request can consume text/event-stream.
// An absent Accept header counts as acceptance.
func acceptsEventStream(r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return true
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

// hasJSONContentType reports whether the request body claims application/json.
func hasJSONContentType(r *http.Request) bool {
	ctype, err := contenttype.GetMediaType(r)
	return err == nil && ctype.Matches(jsonMediaType)
}

func originAllowed(r *http.Request, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get(originHeader)
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func protocolVersionSupported(v string) bool {
	for _, s := range supportedProtocolVersions {
		if v == s {
			return true
		}
	}
	return false
}
