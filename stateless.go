package mcphttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/mcp-http-adapters-go/internal/logctx"
	"github.com/ggoodman/mcp-http-adapters-go/internal/observability"
	"github.com/ggoodman/mcp-http-adapters-go/jsonrpc"
	"github.com/google/uuid"
)

var _ http.Handler = (*StatelessHandler)(nil)

// StatelessHandler serves the streamable HTTP transport in per-request mode.
// Every POST gets a fresh engine and a fresh channel; both are torn down when
// the response finishes, success or not. No session identifiers are issued
// and no Mcp-Session-Id header is ever emitted, so any HTTP-level replica can
// answer any request.
type StatelessHandler struct {
	log     *slog.Logger
	factory EngineFactory
	hooks   Hooks

	allowedOrigins []string
}

// NewStatelessHandler constructs the handler. The factory runs once per
// inbound POST.
func NewStatelessHandler(factory EngineFactory, opts ...Option) (*StatelessHandler, error) {
	if factory == nil {
		return nil, fmt.Errorf("engine factory is required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return &StatelessHandler{
		log:            slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		factory:        factory,
		hooks:          cfg.hooks,
		allowedOrigins: cfg.allowedOrigins,
	}, nil
}

// ServeHTTP gates the method by hand: ServeMux's automatic 405 writes a plain
// text body, and the rejection here must be a structured envelope.
func (h *StatelessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !originAllowed(r, h.allowedOrigins) {
		writePlainError(w, http.StatusForbidden, msgForbiddenOrigin)
		return
	}
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	r = r.WithContext(ctx)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONRPCError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeServerError, msgMethodNotAllowed)
		h.log.InfoContext(ctx, "method.not_allowed")
		return
	}
	h.handlePost(w, r)
}

func (h *StatelessHandler) handlePost(w http.ResponseWriter, r *http.Request) {
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

	var (
		eng     Engine
		ch      *streamableChannel
		release sync.Once
	)
	// The operation owns engine and channel for exactly one request. Cleanup
	// has to run on every exit, including a client abort mid-stream, so it
	// uses a context detached from the request's.
	cleanup := func() {
		release.Do(func() {
			cbCtx := context.WithoutCancel(ctx)
			h.hooks.operationClosed(cbCtx)
			if ch != nil {
				_ = ch.Close(cbCtx)
			} else if eng != nil {
				_ = eng.Close(cbCtx)
			}
		})
	}
	defer cleanup()

	eng, err := h.factory(ctx)
	if err != nil {
		h.fail(ctx, gw, "engine.create.fail", err)
		return
	}

	ch = newStreamableChannel(h.log, nil, nil, channelHooks{})
	ch.bind(eng)
	if err := eng.Connect(ctx, ch); err != nil {
		h.fail(ctx, gw, "engine.connect.fail", err)
		return
	}

	if err := ch.handlePost(gw, r, msg); err != nil {
		h.fail(ctx, gw, "message.deliver.fail", err)
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StatelessHandler) fail(ctx context.Context, gw *guardedResponseWriter, event string, err error) {
	h.hooks.handlerError(ctx, "", err)
	observability.TransportErrors.WithLabelValues("stateless").Inc()
	h.log.ErrorContext(ctx, event, slog.String("err", err.Error()))
	if !gw.committed() {
		writeJSONRPCError(gw, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternalError)
	}
}
