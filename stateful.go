package mcphttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/mcp-http-adapters-go/eventstore"
	"github.com/ggoodman/mcp-http-adapters-go/internal/logctx"
	"github.com/ggoodman/mcp-http-adapters-go/internal/observability"
	"github.com/ggoodman/mcp-http-adapters-go/jsonrpc"
	"github.com/google/uuid"
)

var _ http.Handler = (*StatefulHandler)(nil)

// StatefulHandler serves the streamable HTTP transport with session reuse.
// POST starts or continues a session, GET opens the session's standalone
// event stream, DELETE terminates it; all three multiplex on whatever path
// the handler is mounted at. Sessions are identified by the Mcp-Session-Id
// header and live in the handler's own registry until explicitly terminated
// or fatally broken — there is no idle sweep, matching the transport's
// cancellation model where the output sink's close is the only signal.
type StatefulHandler struct {
	mux     *http.ServeMux
	log     *slog.Logger
	factory EngineFactory
	gen     SessionIDGenerator
	hooks   Hooks
	store   eventstore.Store
	reg     *sessionRegistry[*streamableChannel]

	allowedOrigins []string
}

// NewStatefulHandler constructs the handler. The factory runs once per
// session, at initialize time.
func NewStatefulHandler(factory EngineFactory, opts ...Option) (*StatefulHandler, error) {
	if factory == nil {
		return nil, fmt.Errorf("engine factory is required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	h := &StatefulHandler{
		log:            slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		factory:        factory,
		gen:            cfg.gen,
		hooks:          cfg.hooks,
		store:          cfg.store,
		reg:            newSessionRegistry[*streamableChannel](),
		allowedOrigins: cfg.allowedOrigins,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", h.handlePostMCP)
	mux.HandleFunc("GET /", h.handleGetMCP)
	mux.HandleFunc("DELETE /", h.handleDeleteMCP)
	h.mux = mux
	return h, nil
}

func (h *StatefulHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !originAllowed(r, h.allowedOrigins) {
		writePlainError(w, http.StatusForbidden, msgForbiddenOrigin)
		return
	}
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePostMCP starts a session when an unidentified initialize request
// arrives, continues an identified one, and rejects everything else.
func (h *StatefulHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	gw := newGuardedWriter(w)
	h.log.InfoContext(ctx, "http.post.start")

	if !hasJSONContentType(r) {
		writeJSONRPCError(gw, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeServerError, "Unsupported Media Type: Content-Type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	msg, ok := decodeMessage(gw, r, h.log)
	if !ok {
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})
	r = r.WithContext(ctx)

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		req := msg.AsRequest()
		if req == nil || req.Method != initializeMethod {
			h.rejectInvalidSession(ctx, gw, r, "", true)
			return
		}
		h.createSession(gw, r, req, start)
		return
	}

	ch, ok := h.lookupSession(ctx, sessID)
	if !ok {
		h.rejectInvalidSession(ctx, gw, r, sessID, true)
		return
	}

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && !protocolVersionSupported(pv) {
		writeJSONRPCError(gw, http.StatusBadRequest, jsonrpc.ErrorCodeServerError,
			"Bad Request: Unsupported protocol version (supported versions: "+strings.Join(supportedProtocolVersions, ", ")+")")
		h.log.WarnContext(ctx, "protocol.version.unsupported", slog.String("client_version", pv))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	r = r.WithContext(ctx)
	h.log.InfoContext(ctx, "session.reuse")

	if err := ch.handlePost(gw, r, msg); err != nil {
		h.operationFailed(ctx, gw, sessID, "message.deliver.fail", err, true)
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// createSession runs the creation handshake: build an unassigned channel
// whose initialization hook inserts it into the registry and whose close hook
// removes it, bind a fresh engine, then let the channel answer the initialize
// request. The channel's id does not exist until the insert, so concurrent
// creations cannot collide on it.
func (h *StatefulHandler) createSession(gw *guardedResponseWriter, r *http.Request, req *jsonrpc.Request, start time.Time) {
	ctx := r.Context()

	var ch *streamableChannel
	hooks := channelHooks{
		onInitialized: func(cbCtx context.Context, id string) error {
			if err := h.reg.insert(id, ch); err != nil {
				h.log.ErrorContext(cbCtx, "session.collision", slog.String("err", err.Error()))
				return err
			}
			observability.SessionsInitialized.WithLabelValues("stateful").Inc()
			observability.SessionsActive.WithLabelValues("stateful").Inc()
			h.hooks.sessionInitialized(cbCtx, id)
			h.log.InfoContext(cbCtx, "session.initialized")
			return nil
		},
		onClosed: func(cbCtx context.Context, id string) {
			h.hooks.sessionClosed(cbCtx, id)
			if h.reg.remove(id) {
				observability.SessionsActive.WithLabelValues("stateful").Dec()
				observability.SessionsClosed.WithLabelValues("stateful").Inc()
			}
			h.log.InfoContext(cbCtx, "session.closed")
		},
	}
	ch = newStreamableChannel(h.log, h.gen, h.store, hooks)

	eng, err := h.factory(ctx)
	if err != nil {
		h.hooks.handlerError(ctx, "", err)
		observability.TransportErrors.WithLabelValues("stateful").Inc()
		h.log.ErrorContext(ctx, "engine.create.fail", slog.String("err", err.Error()))
		writeJSONRPCError(gw, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
		return
	}
	ch.bind(eng)

	if err := eng.Connect(ctx, ch); err != nil {
		_ = ch.Close(context.WithoutCancel(ctx))
		h.hooks.handlerError(ctx, "", err)
		observability.TransportErrors.WithLabelValues("stateful").Inc()
		h.log.ErrorContext(ctx, "engine.connect.fail", slog.String("err", err.Error()))
		writeJSONRPCError(gw, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
		return
	}

	if err := ch.handleInitialize(gw, r, req); err != nil {
		sid := ch.sessionID()
		_ = ch.Close(context.WithoutCancel(ctx))
		h.hooks.handlerError(ctx, sid, err)
		observability.TransportErrors.WithLabelValues("stateful").Inc()
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		if !gw.committed() {
			writeJSONRPCError(gw, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
		}
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP delegates the standalone event stream to the session's channel.
func (h *StatefulHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gw := newGuardedWriter(w)
	h.log.InfoContext(ctx, "http.get.start")

	ch, sessID, ok := h.resolveSession(ctx, gw, r)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	r = r.WithContext(ctx)

	if err := ch.handleGet(gw, r); err != nil {
		h.operationFailed(ctx, gw, sessID, "stream.fail", err, false)
		return
	}
}

// handleDeleteMCP delegates termination to the session's channel.
func (h *StatefulHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	gw := newGuardedWriter(w)
	h.log.InfoContext(ctx, "http.delete.start")

	ch, sessID, ok := h.resolveSession(ctx, gw, r)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	r = r.WithContext(ctx)

	if err := ch.handleDelete(gw, r); err != nil {
		h.operationFailed(ctx, gw, sessID, "session.terminate.fail", err, false)
		return
	}
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// resolveSession is the shared resolve step of the GET and DELETE operations:
// the session header must be present and must name a live channel, else the
// plain-text invalid-session rejection.
func (h *StatefulHandler) resolveSession(ctx context.Context, gw *guardedResponseWriter, r *http.Request) (*streamableChannel, string, bool) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.rejectInvalidSession(ctx, gw, r, "", false)
		return nil, "", false
	}
	ch, ok := h.lookupSession(ctx, sessID)
	if !ok {
		h.rejectInvalidSession(ctx, gw, r, sessID, false)
		return nil, "", false
	}
	return ch, sessID, true
}

// lookupSession resolves a presented id against the registry. When the
// generator can recognize its own ids, forged ones are refused before the
// lookup ever happens.
func (h *StatefulHandler) lookupSession(ctx context.Context, sessID string) (*streamableChannel, bool) {
	if v, ok := h.gen.(SessionIDValidator); ok {
		if err := v.ValidateSessionID(sessID); err != nil {
			h.log.WarnContext(ctx, "session.id.reject", slog.String("err", err.Error()))
			return nil, false
		}
	}
	ch, ok := h.reg.lookup(sessID)
	if !ok {
		h.log.InfoContext(ctx, "session.miss")
		return nil, false
	}
	return ch, true
}

func (h *StatefulHandler) rejectInvalidSession(ctx context.Context, w http.ResponseWriter, r *http.Request, sessID string, structured bool) {
	h.hooks.invalidSession(ctx, sessID, r.Method)
	observability.InvalidSessions.WithLabelValues("stateful").Inc()
	h.log.InfoContext(ctx, "session.invalid")
	if structured {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, msgBadSessionHeader)
	} else {
		writePlainError(w, http.StatusBadRequest, msgInvalidSession)
	}
}

// operationFailed is the catch at the handler boundary: error callback, error
// counter, log, and a 500 only if the channel has not written yet.
func (h *StatefulHandler) operationFailed(ctx context.Context, gw *guardedResponseWriter, sessID, event string, err error, structured bool) {
	h.hooks.handlerError(ctx, sessID, err)
	observability.TransportErrors.WithLabelValues("stateful").Inc()
	h.log.ErrorContext(ctx, event, slog.String("err", err.Error()))
	if gw.committed() {
		return
	}
	if structured {
		writeJSONRPCError(gw, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
	} else {
		writePlainError(gw, http.StatusInternalServerError, msgInternalError)
	}
}
