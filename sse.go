package mcphttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-http-adapters-go/internal/logctx"
	"github.com/ggoodman/mcp-http-adapters-go/internal/observability"
	"github.com/ggoodman/mcp-http-adapters-go/jsonrpc"
	"github.com/google/uuid"
)

// sseChannel is the conduit of the legacy two-endpoint transport. Unlike the
// streamable channel it is born bound to its output sink, the long-lived GET
// response, and it names itself synchronously at construction. All
// server-to-client traffic rides that one stream; the side-channel POST only
// carries inbound messages.
type sseChannel struct {
	log          *slog.Logger
	sessID       string
	wf           *lockedWriteFlusher
	messagesPath string

	eng Engine

	// onError observes write failures on the event stream; these happen on the
	// engine's goroutine, outside any handler call.
	onError func(ctx context.Context, id string, err error)
	// onClosed runs at most once. Left unset until the channel has actually
	// entered the registry.
	onClosed func(ctx context.Context, id string)

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

var _ MessageWriter = (*sseChannel)(nil)

func newSSEChannel(log *slog.Logger, gen SessionIDGenerator, messagesPath string, wf *lockedWriteFlusher) *sseChannel {
	return &sseChannel{
		log:          log,
		sessID:       gen.GenerateSessionID(),
		wf:           wf,
		messagesPath: messagesPath,
		done:         make(chan struct{}),
	}
}

func (c *sseChannel) bind(eng Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eng = eng
}

// start commits the response as an event stream and advertises the message
// delivery endpoint as the stream's first frame, per the 2024-11-05 HTTP+SSE
// transport shape.
func (c *sseChannel) start(w *guardedResponseWriter) error {
	w.Header().Set(mcpSessionIDHeader, c.sessID)
	writeSSEHeaders(w)
	w.Flush()

	endpoint := c.messagesPath + "?sessionId=" + url.QueryEscape(c.sessID)
	if err := writeNamedSSEEvent(c.wf, "endpoint", "", []byte(endpoint)); err != nil {
		return fmt.Errorf("failed to advertise message endpoint: %w", err)
	}
	return nil
}

func (c *sseChannel) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	if err := writeSSEEvent(c.wf, "", msg); err != nil {
		if c.onError != nil {
			c.onError(ctx, c.sessID, err)
		}
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// handleMessage delivers one side-channel POST body. Responses to requests
// travel over the event stream, never the POST; the POST itself is
// acknowledged with 202 Accepted.
func (c *sseChannel) handleMessage(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	c.mu.Lock()
	closed := c.closed
	eng := c.eng
	c.mu.Unlock()
	if closed || eng == nil {
		// Closed underneath the caller's lookup, or caught mid-setup before an
		// engine was bound. Either way the id is not deliverable.
		writePlainError(w, http.StatusBadRequest, msgNoTransport)
		c.log.InfoContext(ctx, "session.closed.race")
		return nil
	}

	if !hasJSONContentType(r) {
		writePlainError(w, http.StatusBadRequest, "Unsupported content type: expected application/json")
		c.log.WarnContext(ctx, "content_type.unsupported")
		return nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writePlainError(w, http.StatusBadRequest, msgInvalidMessage)
		c.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return nil
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	if req := msg.AsRequest(); req != nil {
		if req.ID.IsNil() {
			if err := eng.HandleNotification(ctx, req); err != nil {
				return fmt.Errorf("notification handling failed: %w", err)
			}
		} else {
			res, err := eng.HandleRequest(ctx, req)
			if err != nil {
				c.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
				res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
			}
			payload, mErr := json.Marshal(res)
			if mErr != nil {
				return fmt.Errorf("failed to encode response: %w", mErr)
			}
			if err := writeSSEEvent(c.wf, "", payload); err != nil {
				return fmt.Errorf("failed to write response: %w", err)
			}
		}
	} else if res := msg.AsResponse(); res != nil {
		if err := eng.HandleResponse(ctx, res); err != nil {
			return fmt.Errorf("client response handling failed: %w", err)
		}
	} else {
		writePlainError(w, http.StatusBadRequest, msgInvalidMessage)
		return nil
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
	c.log.InfoContext(ctx, "message.inbound.ok")
	return nil
}

func (c *sseChannel) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		eng := c.eng
		c.mu.Unlock()
		close(c.done)

		if eng != nil {
			if cerr := eng.Close(ctx); cerr != nil {
				err = fmt.Errorf("engine close failed: %w", cerr)
			}
		}
		if c.onClosed != nil {
			c.onClosed(ctx, c.sessID)
		}
	})
	return err
}

var _ http.Handler = (*SSEHandler)(nil)

// SSEHandler serves the legacy HTTP+SSE transport: a long-lived GET event
// stream on one path and a message-delivery POST on another, correlated by a
// sessionId query parameter the stream advertises in its first frame.
type SSEHandler struct {
	mux     *http.ServeMux
	log     *slog.Logger
	factory EngineFactory
	gen     SessionIDGenerator
	hooks   Hooks
	reg     *sessionRegistry[*sseChannel]

	messagesPath   string
	allowedOrigins []string
}

// NewSSEHandler constructs the handler. The stream and message paths default
// to /sse and /messages and are configurable through WithSSEPath and
// WithMessagesPath; both must be rooted since they become ServeMux patterns.
func NewSSEHandler(factory EngineFactory, opts ...Option) (*SSEHandler, error) {
	if factory == nil {
		return nil, fmt.Errorf("engine factory is required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if !strings.HasPrefix(cfg.ssePath, "/") {
		return nil, fmt.Errorf("SSE path must be rooted, got %q", cfg.ssePath)
	}
	if !strings.HasPrefix(cfg.messagesPath, "/") {
		return nil, fmt.Errorf("messages path must be rooted, got %q", cfg.messagesPath)
	}

	h := &SSEHandler{
		log:            slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		factory:        factory,
		gen:            cfg.gen,
		hooks:          cfg.hooks,
		reg:            newSessionRegistry[*sseChannel](),
		messagesPath:   cfg.messagesPath,
		allowedOrigins: cfg.allowedOrigins,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.ssePath, h.handleOpen)
	mux.HandleFunc("POST "+cfg.messagesPath, h.handleDeliver)
	h.mux = mux
	return h, nil
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

// handleOpen runs the stream-opening sequence: construct a self-named channel
// bound to this response, register it, bind a fresh engine, then advertise
// the delivery endpoint. The handler then parks until the client goes away or
// the channel closes through some other path; both funnel into the channel's
// once-guarded close, so the registry removal and the close callback cannot
// double-fire.
func (h *SSEHandler) handleOpen(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	gw := newGuardedWriter(w)
	h.log.InfoContext(ctx, "sse.open.start")

	if !acceptsEventStream(r) {
		writePlainError(gw, http.StatusNotAcceptable, "Not Acceptable: Client must accept text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}
	if !gw.canStream() {
		h.fail(ctx, gw, "", "sse.open.fail", errors.New("response writer does not support streaming"))
		return
	}

	wf := &lockedWriteFlusher{Writer: gw, Flusher: gw, ctx: ctx}
	ch := newSSEChannel(h.log, h.gen, h.messagesPath, wf)
	sessID := ch.sessID
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	ch.onError = func(cbCtx context.Context, id string, err error) {
		h.hooks.handlerError(cbCtx, id, err)
		observability.TransportErrors.WithLabelValues("sse").Inc()
	}

	if err := h.reg.insert(sessID, ch); err != nil {
		_ = ch.Close(context.WithoutCancel(ctx))
		h.fail(ctx, gw, sessID, "session.collision", err)
		return
	}
	observability.SessionsActive.WithLabelValues("sse").Inc()
	observability.SessionsInitialized.WithLabelValues("sse").Inc()
	h.hooks.sessionInitialized(ctx, sessID)

	// Only now that the insert stuck may the close hook undo it. Attaching it
	// earlier would let a collision-triggered close evict the other channel's
	// entry.
	ch.onClosed = func(cbCtx context.Context, id string) {
		h.hooks.sessionClosed(cbCtx, id)
		if h.reg.remove(id) {
			observability.SessionsActive.WithLabelValues("sse").Dec()
			observability.SessionsClosed.WithLabelValues("sse").Inc()
		}
		h.log.InfoContext(cbCtx, "session.closed")
	}

	eng, err := h.factory(ctx)
	if err != nil {
		_ = ch.Close(context.WithoutCancel(ctx))
		h.fail(ctx, gw, sessID, "engine.create.fail", err)
		return
	}
	ch.bind(eng)
	if err := eng.Connect(ctx, ch); err != nil {
		_ = ch.Close(context.WithoutCancel(ctx))
		h.fail(ctx, gw, sessID, "engine.connect.fail", err)
		return
	}

	if err := ch.start(gw); err != nil {
		_ = ch.Close(context.WithoutCancel(ctx))
		h.fail(ctx, gw, sessID, "sse.open.fail", err)
		return
	}
	h.log.InfoContext(ctx, "stream.open")

	select {
	case <-ctx.Done():
	case <-ch.done:
	}
	_ = ch.Close(context.WithoutCancel(ctx))
	h.log.InfoContext(ctx, "stream.closed", slog.Duration("dur", time.Since(start)))
}

// handleDeliver resolves the sessionId query parameter against the registry
// and hands the body to the channel. An unknown or missing id gets the
// transport-miss rejection and nothing else happens.
func (h *SSEHandler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gw := newGuardedWriter(w)
	h.log.InfoContext(ctx, "sse.deliver.start")

	sessID := r.URL.Query().Get("sessionId")
	if sessID == "" {
		h.rejectUnknown(ctx, gw, r, "")
		return
	}
	if v, ok := h.gen.(SessionIDValidator); ok {
		if err := v.ValidateSessionID(sessID); err != nil {
			h.log.WarnContext(ctx, "session.id.reject", slog.String("err", err.Error()))
			h.rejectUnknown(ctx, gw, r, sessID)
			return
		}
	}
	ch, ok := h.reg.lookup(sessID)
	if !ok {
		h.rejectUnknown(ctx, gw, r, sessID)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	r = r.WithContext(ctx)
	if err := ch.handleMessage(gw, r); err != nil {
		h.fail(ctx, gw, sessID, "message.deliver.fail", err)
		return
	}
}

func (h *SSEHandler) rejectUnknown(ctx context.Context, w http.ResponseWriter, r *http.Request, sessID string) {
	h.hooks.invalidSession(ctx, sessID, r.Method)
	observability.InvalidSessions.WithLabelValues("sse").Inc()
	h.log.InfoContext(ctx, "session.invalid")
	writePlainError(w, http.StatusBadRequest, msgNoTransport)
}

func (h *SSEHandler) fail(ctx context.Context, gw *guardedResponseWriter, sessID, event string, err error) {
	h.hooks.handlerError(ctx, sessID, err)
	observability.TransportErrors.WithLabelValues("sse").Inc()
	h.log.ErrorContext(ctx, event, slog.String("err", err.Error()))
	if !gw.committed() {
		writePlainError(gw, http.StatusInternalServerError, msgInternalError)
	}
}
