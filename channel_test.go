package mcphttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-http-adapters-go/eventstore/memorystore"
	"github.com/ggoodman/mcp-http-adapters-go/jsonrpc"
)

// nopEngine satisfies Engine with no behavior beyond counting closes.
type nopEngine struct {
	mu     sync.Mutex
	closes int
}

func (e *nopEngine) Connect(context.Context, MessageWriter) error { return nil }

func (e *nopEngine) HandleRequest(_ context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	return jsonrpc.NewResultResponse(req.ID, struct{}{})
}

func (e *nopEngine) HandleNotification(context.Context, *jsonrpc.Request) error { return nil }

func (e *nopEngine) HandleResponse(context.Context, *jsonrpc.Response) error { return nil }

func (e *nopEngine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func (e *nopEngine) closeCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamableChannelCloseOnce(t *testing.T) {
	eng := &nopEngine{}
	var closedIDs []string
	ch := newStreamableChannel(discardLogger(), UUIDGenerator{}, nil, channelHooks{
		onClosed: func(_ context.Context, id string) { closedIDs = append(closedIDs, id) },
	})
	ch.mu.Lock()
	ch.sessID = "s1"
	ch.mu.Unlock()
	ch.bind(eng)

	ctx := context.Background()
	if err := ch.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if want, got := 1, eng.closeCalls(); want != got {
		t.Fatalf("engine closed %d times, want %d", got, want)
	}
	if len(closedIDs) != 1 || closedIDs[0] != "s1" {
		t.Fatalf("unexpected close hook firings: %v", closedIDs)
	}
	if err := ch.WriteMessage(ctx, jsonrpc.Message(`{"jsonrpc":"2.0","method":"x"}`)); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("write after close: want ErrChannelClosed, got %v", err)
	}
}

func TestStreamableChannelCloseWithoutIDIsSilent(t *testing.T) {
	eng := &nopEngine{}
	fired := 0
	ch := newStreamableChannel(discardLogger(), UUIDGenerator{}, nil, channelHooks{
		onClosed: func(context.Context, string) { fired++ },
	})
	ch.bind(eng)

	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if fired != 0 {
		t.Fatalf("close hook fired for an unassigned channel")
	}
	if want, got := 1, eng.closeCalls(); want != got {
		t.Fatalf("engine closed %d times, want %d", got, want)
	}
}

func TestStreamableChannelWriteWithoutSubscriber(t *testing.T) {
	ch := newStreamableChannel(discardLogger(), UUIDGenerator{}, nil, channelHooks{})
	ch.mu.Lock()
	ch.sessID = "s2"
	ch.mu.Unlock()
	ch.bind(&nopEngine{})

	err := ch.WriteMessage(context.Background(), jsonrpc.Message(`{"jsonrpc":"2.0","method":"x"}`))
	if !errors.Is(err, ErrNoSubscriber) {
		t.Fatalf("want ErrNoSubscriber, got %v", err)
	}
}

func TestStreamableChannelStoreRetainsAndDrops(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	ch := newStreamableChannel(discardLogger(), UUIDGenerator{}, store, channelHooks{})
	ch.mu.Lock()
	ch.sessID = "s3"
	ch.mu.Unlock()
	ch.bind(&nopEngine{})

	// Absent subscriber, present store: the write is retained, not failed.
	if err := ch.WriteMessage(ctx, jsonrpc.Message(`{"jsonrpc":"2.0","method":"x"}`)); err != nil {
		t.Fatalf("write with store: %v", err)
	}
	retained := 0
	if err := store.ReplayAfter(ctx, "s3", "", func(context.Context, string, []byte) error {
		retained++
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if want, got := 1, retained; want != got {
		t.Fatalf("unexpected retained count: want %d got %d", want, got)
	}

	// Close drops the session's retained events.
	if err := ch.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	retained = 0
	if err := store.ReplayAfter(ctx, "s3", "", func(context.Context, string, []byte) error {
		retained++
		return nil
	}); err != nil {
		t.Fatalf("replay after drop: %v", err)
	}
	if retained != 0 {
		t.Fatalf("events survived the drop: %d", retained)
	}
}

func TestSSEChannelCloseOnce(t *testing.T) {
	rec := httptest.NewRecorder()
	gw := newGuardedWriter(rec)
	wf := &lockedWriteFlusher{Writer: gw, Flusher: gw}

	eng := &nopEngine{}
	ch := newSSEChannel(discardLogger(), UUIDGenerator{}, "/messages", wf)
	ch.bind(eng)
	closed := 0
	ch.onClosed = func(context.Context, string) { closed++ }

	ctx := context.Background()
	if err := ch.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if want, got := 1, eng.closeCalls(); want != got {
		t.Fatalf("engine closed %d times, want %d", got, want)
	}
	if want, got := 1, closed; want != got {
		t.Fatalf("close hook fired %d times, want %d", got, want)
	}
	if err := ch.WriteMessage(ctx, jsonrpc.Message(`{"jsonrpc":"2.0","method":"x"}`)); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("write after close: want ErrChannelClosed, got %v", err)
	}
}

// A committed response must never receive a second status line or a rejection
// body, no matter what fails afterwards.
func TestOperationFailedAfterCommit(t *testing.T) {
	h, err := NewStatefulHandler(func(context.Context) (Engine, error) { return &nopEngine{}, nil },
		WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	rec := httptest.NewRecorder()
	gw := newGuardedWriter(rec)
	if gw.committed() {
		t.Fatalf("fresh writer reports committed")
	}
	writeSSEHeaders(gw)
	if !gw.committed() {
		t.Fatalf("commit not recorded")
	}

	h.operationFailed(context.Background(), gw, "sess", "stream.fail", errors.New("boom"), false)

	if want, got := http.StatusOK, rec.Code; want != got {
		t.Fatalf("status rewritten after commit: want %d got %d", want, got)
	}
	if body := rec.Body.String(); body != "" {
		t.Fatalf("body written after commit: %q", body)
	}
}

func TestOperationFailedBeforeCommit(t *testing.T) {
	h, err := NewStatefulHandler(func(context.Context) (Engine, error) { return &nopEngine{}, nil },
		WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	rec := httptest.NewRecorder()
	gw := newGuardedWriter(rec)
	h.operationFailed(context.Background(), gw, "sess", "stream.fail", errors.New("boom"), false)

	if want, got := http.StatusInternalServerError, rec.Code; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	if want, got := "Internal server error", rec.Body.String(); want != got {
		t.Fatalf("unexpected body: want %q got %q", want, got)
	}
}
