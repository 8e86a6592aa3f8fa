package mcphttp

import "context"

// SessionInitializedEvent reports a session whose initialize handshake
// completed and whose channel entered the registry.
type SessionInitializedEvent struct {
	SessionID string
}

// SessionClosedEvent reports a session whose channel left the registry. The
// identifier is read at close time, after the close is already irreversible.
type SessionClosedEvent struct {
	SessionID string
}

// InvalidSessionEvent reports a rejected operation that referenced a missing
// or unresolvable session identifier. SessionID carries the identifier the
// caller presented; it is empty when none was sent.
type InvalidSessionEvent struct {
	SessionID  string
	HTTPMethod string
}

// ErrorEvent reports a failure caught at a handler boundary. SessionID is the
// best-known identifier at the point of failure and may be empty for
// construction failures.
type ErrorEvent struct {
	SessionID string
	Err       error
}

// CloseEvent reports the completion of a stateless operation, fired before
// its channel and engine are released.
type CloseEvent struct{}

// Hooks carries the optional lifecycle callbacks a handler invokes as
// sessions come and go. Any field may be nil. Callbacks run synchronously on
// the request goroutine, so they should return quickly; the context is the
// request context of the operation that triggered the event.
//
// StatefulHandler and SSEHandler fire OnSessionInitialized, OnSessionClosed,
// OnInvalidSession, and OnError. StatelessHandler fires OnClose and OnError.
type Hooks struct {
	OnSessionInitialized func(ctx context.Context, ev *SessionInitializedEvent)
	OnSessionClosed      func(ctx context.Context, ev *SessionClosedEvent)
	OnInvalidSession     func(ctx context.Context, ev *InvalidSessionEvent)
	OnError              func(ctx context.Context, ev *ErrorEvent)
	OnClose              func(ctx context.Context, ev *CloseEvent)
}

func (h Hooks) sessionInitialized(ctx context.Context, id string) {
	if h.OnSessionInitialized != nil {
		h.OnSessionInitialized(ctx, &SessionInitializedEvent{SessionID: id})
	}
}

func (h Hooks) sessionClosed(ctx context.Context, id string) {
	if h.OnSessionClosed != nil {
		h.OnSessionClosed(ctx, &SessionClosedEvent{SessionID: id})
	}
}

func (h Hooks) invalidSession(ctx context.Context, id, httpMethod string) {
	if h.OnInvalidSession != nil {
		h.OnInvalidSession(ctx, &InvalidSessionEvent{SessionID: id, HTTPMethod: httpMethod})
	}
}

func (h Hooks) handlerError(ctx context.Context, id string, err error) {
	if h.OnError != nil {
		h.OnError(ctx, &ErrorEvent{SessionID: id, Err: err})
	}
}

func (h Hooks) operationClosed(ctx context.Context) {
	if h.OnClose != nil {
		h.OnClose(ctx, &CloseEvent{})
	}
}
