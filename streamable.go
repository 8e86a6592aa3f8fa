package mcphttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ggoodman/mcp-http-adapters-go/eventstore"
	"github.com/ggoodman/mcp-http-adapters-go/internal/logctx"
	"github.com/ggoodman/mcp-http-adapters-go/jsonrpc"
)

// channelHooks are the handler-supplied lifecycle hooks a channel fires.
type channelHooks struct {
	// onInitialized runs when the initialize handshake produced a session id,
	// before the id is assigned to the channel. An error (a registry
	// collision) aborts initialization and the channel stays unassigned.
	onInitialized func(ctx context.Context, id string) error
	// onClosed runs at most once, when a channel that held an id at close
	// time goes away. Channels that never completed initialization close
	// silently.
	onClosed func(ctx context.Context, id string)
}

// streamableChannel is the conversational conduit of the streamable HTTP
// transport. The stateful handler keeps one per session in its registry; the
// stateless handler builds one per request and never assigns it an id.
//
// A channel is constructed unassigned. The initialize handshake names it:
// generate an id, run the initialization hook (registry insert), then assign.
// Assignment happens at most once and the id is immutable afterwards.
type streamableChannel struct {
	log   *slog.Logger
	gen   SessionIDGenerator
	store eventstore.Store
	hooks channelHooks

	eng Engine

	mu     sync.Mutex
	sessID string
	closed bool
	stream *lockedWriteFlusher

	closeOnce sync.Once
	done      chan struct{}
}

var _ MessageWriter = (*streamableChannel)(nil)

func newStreamableChannel(log *slog.Logger, gen SessionIDGenerator, store eventstore.Store, hooks channelHooks) *streamableChannel {
	return &streamableChannel{
		log:   log,
		gen:   gen,
		store: store,
		hooks: hooks,
		done:  make(chan struct{}),
	}
}

func (c *streamableChannel) bind(eng Engine) { c.eng = eng }

func (c *streamableChannel) sessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessID
}

// WriteMessage delivers a server-initiated message to the session's
// standalone stream. With an event store configured the message is retained
// first, so a subscriber that is absent or mid-reconnect picks it up on
// replay; without one, an absent subscriber is an error the engine gets to
// see.
func (c *streamableChannel) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	sid := c.sessID
	stream := c.stream
	c.mu.Unlock()

	if c.store != nil && sid != "" {
		eventID, err := c.store.Append(ctx, sid, msg)
		if err != nil {
			return fmt.Errorf("failed to retain message: %w", err)
		}
		if stream == nil {
			return nil
		}
		if err := writeSSEEvent(stream, eventID, msg); err != nil {
			// The subscriber dropped mid-write. The message is retained, so
			// the reconnecting stream replays it.
			c.log.DebugContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		}
		return nil
	}

	if stream == nil {
		return ErrNoSubscriber
	}
	if err := writeSSEEvent(stream, "", msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// handleInitialize drives the creation handshake: name the channel through
// the initialization hook, then let the engine answer the initialize request.
// The response is plain JSON carrying the new Mcp-Session-Id header.
func (c *streamableChannel) handleInitialize(w *guardedResponseWriter, r *http.Request, req *jsonrpc.Request) error {
	ctx := r.Context()

	id := c.gen.GenerateSessionID()
	if c.hooks.onInitialized != nil {
		if err := c.hooks.onInitialized(ctx, id); err != nil {
			return fmt.Errorf("session registration failed: %w", err)
		}
	}
	c.mu.Lock()
	c.sessID = id
	c.mu.Unlock()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	res, err := c.eng.HandleRequest(ctx, req)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode initialize response: %w", err)
	}

	w.Header().Set(mcpSessionIDHeader, id)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		c.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	return nil
}

// handlePost processes one inbound message on an established channel (or, for
// the stateless handler, the operation's only message). Requests are answered
// over a per-request event stream; notifications and client responses are
// acknowledged with 202 and no body.
func (c *streamableChannel) handlePost(w *guardedResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) error {
	ctx := r.Context()

	c.mu.Lock()
	closed := c.closed
	sid := c.sessID
	c.mu.Unlock()
	if closed {
		// Raced against termination between lookup and delegate. Answer
		// exactly as if the id had already left the registry.
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, msgBadSessionHeader)
		c.log.InfoContext(ctx, "session.closed.race")
		return nil
	}

	if req := msg.AsRequest(); req != nil {
		if req.Method == initializeMethod && sid != "" {
			writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, msgAlreadyInitialized)
			c.log.WarnContext(ctx, "session.initialize.redundant")
			return nil
		}

		if req.ID.IsNil() {
			if err := c.eng.HandleNotification(ctx, req); err != nil {
				return fmt.Errorf("notification handling failed: %w", err)
			}
			w.WriteHeader(http.StatusAccepted)
			c.log.InfoContext(ctx, "notification.inbound.ok")
			return nil
		}

		if !acceptsEventStream(r) {
			writeJSONRPCError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError, "Not Acceptable: Client must accept text/event-stream")
			c.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return nil
		}
		if !w.canStream() {
			return errors.New("response writer does not support streaming")
		}
		wf := &lockedWriteFlusher{Writer: w, Flusher: w, ctx: ctx}

		writeSSEHeaders(w)
		wf.Flush()

		res, err := c.eng.HandleRequest(ctx, req)
		if err != nil {
			c.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
		body, mErr := json.Marshal(res)
		if mErr != nil {
			return fmt.Errorf("failed to encode response: %w", mErr)
		}
		if err := writeSSEEvent(wf, "", body); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		c.log.InfoContext(ctx, "rpc.inbound.ok")
		return nil
	}

	if res := msg.AsResponse(); res != nil {
		if err := c.eng.HandleResponse(ctx, res); err != nil {
			return fmt.Errorf("client response handling failed: %w", err)
		}
		w.WriteHeader(http.StatusAccepted)
		c.log.InfoContext(ctx, "response.inbound.ok")
		return nil
	}

	writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Unrecognized message shape")
	return nil
}

// handleGet opens the session's standalone event stream and holds it until
// the client goes away or the session closes. At most one standalone stream
// per session; a second GET gets 409 and the live stream is unaffected.
func (c *streamableChannel) handleGet(w *guardedResponseWriter, r *http.Request) error {
	ctx := r.Context()

	if !acceptsEventStream(r) {
		writePlainError(w, http.StatusNotAcceptable, "Not Acceptable: Client must accept text/event-stream")
		c.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return nil
	}
	if !w.canStream() {
		return errors.New("response writer does not support streaming")
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: w, ctx: ctx}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		writePlainError(w, http.StatusBadRequest, msgInvalidSession)
		return nil
	}
	if c.stream != nil {
		c.mu.Unlock()
		writeJSONRPCError(w, http.StatusConflict, jsonrpc.ErrorCodeServerError, msgStreamConflict)
		c.log.WarnContext(ctx, "stream.conflict")
		return nil
	}
	c.stream = wf
	sid := c.sessID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.stream == wf {
			c.stream = nil
		}
		c.mu.Unlock()
	}()

	writeSSEHeaders(w)
	wf.Flush()
	c.log.InfoContext(ctx, "stream.open")

	if lastID := r.Header.Get(lastEventIDHeader); lastID != "" && c.store != nil {
		if err := c.store.ReplayAfter(ctx, sid, lastID, func(cbCtx context.Context, eventID string, data []byte) error {
			return writeSSEEvent(wf, eventID, data)
		}); err != nil {
			// The stream is already committed; end it and let the client
			// reconnect with its last id intact.
			c.log.ErrorContext(ctx, "stream.replay.fail", slog.String("err", err.Error()))
			return nil
		}
		c.log.InfoContext(ctx, "stream.resume", slog.String("last_event_id", lastID))
	}

	select {
	case <-ctx.Done():
	case <-c.done:
	}
	c.log.InfoContext(ctx, "stream.end")
	return nil
}

// handleDelete terminates the session on the client's request. The close hook
// removes the registry entry before the 200 goes out.
func (c *streamableChannel) handleDelete(w *guardedResponseWriter, r *http.Request) error {
	ctx := r.Context()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		writePlainError(w, http.StatusBadRequest, msgInvalidSession)
		return nil
	}

	if err := c.Close(ctx); err != nil {
		return fmt.Errorf("session teardown failed: %w", err)
	}
	w.WriteHeader(http.StatusOK)
	c.log.InfoContext(ctx, "session.terminated")
	return nil
}

// Close tears the channel down: engine closed, retained events dropped, close
// hook fired with the id held at close time. Every path that ends the channel
// funnels in here; only the first call does anything.
func (c *streamableChannel) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		sid := c.sessID
		c.mu.Unlock()
		close(c.done)

		if c.eng != nil {
			if cerr := c.eng.Close(ctx); cerr != nil {
				err = fmt.Errorf("engine close failed: %w", cerr)
			}
		}
		if c.store != nil && sid != "" {
			if derr := c.store.Drop(ctx, sid); derr != nil {
				c.log.ErrorContext(ctx, "eventstore.drop.fail", slog.String("err", derr.Error()))
			}
		}
		if sid != "" && c.hooks.onClosed != nil {
			c.hooks.onClosed(ctx, sid)
		}
	})
	return err
}
