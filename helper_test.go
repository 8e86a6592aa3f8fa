package mcphttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mcphttp "github.com/ggoodman/mcp-http-adapters-go"
	"github.com/ggoodman/mcp-http-adapters-go/jsonrpc"
)

// ============================================================================
// Handler construction helpers
// ============================================================================

func mustStatefulServer(t *testing.T, factory mcphttp.EngineFactory, opts ...mcphttp.Option) *httptest.Server {
	t.Helper()
	opts = append([]mcphttp.Option{mcphttp.WithLogger(slog.New(testLogHandler(t)))}, opts...)
	h, err := mcphttp.NewStatefulHandler(factory, opts...)
	if err != nil {
		t.Fatalf("failed to create stateful handler: %v", err)
	}
	return httptest.NewServer(h)
}

func mustStatelessServer(t *testing.T, factory mcphttp.EngineFactory, opts ...mcphttp.Option) *httptest.Server {
	t.Helper()
	opts = append([]mcphttp.Option{mcphttp.WithLogger(slog.New(testLogHandler(t)))}, opts...)
	h, err := mcphttp.NewStatelessHandler(factory, opts...)
	if err != nil {
		t.Fatalf("failed to create stateless handler: %v", err)
	}
	return httptest.NewServer(h)
}

func mustSSEServer(t *testing.T, factory mcphttp.EngineFactory, opts ...mcphttp.Option) *httptest.Server {
	t.Helper()
	opts = append([]mcphttp.Option{mcphttp.WithLogger(slog.New(testLogHandler(t)))}, opts...)
	h, err := mcphttp.NewSSEHandler(factory, opts...)
	if err != nil {
		t.Fatalf("failed to create SSE handler: %v", err)
	}
	return httptest.NewServer(h)
}

// hookRecorder captures lifecycle callbacks for later assertions.
type hookRecorder struct {
	mu          sync.Mutex
	initialized []string
	closed      []string
	invalid     []mcphttp.InvalidSessionEvent
	errs        []mcphttp.ErrorEvent
	closes      int
}

func (rec *hookRecorder) hooks() mcphttp.Hooks {
	return mcphttp.Hooks{
		OnSessionInitialized: func(_ context.Context, ev *mcphttp.SessionInitializedEvent) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.initialized = append(rec.initialized, ev.SessionID)
		},
		OnSessionClosed: func(_ context.Context, ev *mcphttp.SessionClosedEvent) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.closed = append(rec.closed, ev.SessionID)
		},
		OnInvalidSession: func(_ context.Context, ev *mcphttp.InvalidSessionEvent) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.invalid = append(rec.invalid, *ev)
		},
		OnError: func(_ context.Context, ev *mcphttp.ErrorEvent) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.errs = append(rec.errs, *ev)
		},
		OnClose: func(_ context.Context, _ *mcphttp.CloseEvent) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.closes++
		},
	}
}

func (rec *hookRecorder) initializedSessions() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.initialized...)
}

func (rec *hookRecorder) closedSessions() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.closed...)
}

func (rec *hookRecorder) invalidEvents() []mcphttp.InvalidSessionEvent {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]mcphttp.InvalidSessionEvent(nil), rec.invalid...)
}

func (rec *hookRecorder) errorEvents() []mcphttp.ErrorEvent {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]mcphttp.ErrorEvent(nil), rec.errs...)
}

func (rec *hookRecorder) closeCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.closes
}

// fixedIDGenerator hands out the same identifier forever, which is exactly
// what the collision tests need.
type fixedIDGenerator struct{ id string }

func (g fixedIDGenerator) GenerateSessionID() string { return g.id }

// waitFor polls cond until it holds or the deadline passes. Cleanup paths run
// after the response is on the wire, so assertions about them have to wait.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// Minimal HTTP/SSE client helpers (no SDK)
// ============================================================================

type sseEvent struct {
	event string
	id    string
	data  json.RawMessage
}

func readOneSSE(r io.Reader) (sseEvent, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	var (
		event   sseEvent
		dataBuf bytes.Buffer
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end of event
			if dataBuf.Len() > 0 {
				event.data = append([]byte(nil), dataBuf.Bytes()...)
			}
			return event, nil
		}
		if strings.HasPrefix(line, "event: ") {
			event.event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if strings.HasPrefix(line, "id: ") {
			event.id = strings.TrimPrefix(line, "id: ")
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			if dataBuf.Len() > 0 { // support multi-line data although we emit single line
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}
		// ignore other fields and continue
	}
}

// doPostMCP performs the HTTP POST with the transport's required headers and
// returns the raw response.
func doPostMCP(t *testing.T, srv *httptest.Server, sessionID string, req *jsonrpc.Request) (*http.Response, error) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
		if req.Method != "initialize" {
			httpReq.Header.Set("Mcp-Protocol-Version", "2025-06-18")
		}
	}
	return http.DefaultClient.Do(httpReq)
}

// mustPostMCP posts and parses a response. If the response is an SSE stream
// (text/event-stream) it reads exactly one event. Otherwise it reads the full
// body as a single JSON payload.
func mustPostMCP(t *testing.T, srv *httptest.Server, sessionID string, req *jsonrpc.Request) (*http.Response, sseEvent) {
	t.Helper()
	resp, err := doPostMCP(t, srv, sessionID, req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp, sseEvent{}
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		evt, err := readOneSSE(resp.Body)
		if err != nil {
			t.Fatalf("sse read error: %v", err)
		}
		return resp, evt
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("body read error: %v", err)
	}
	return resp, sseEvent{data: body}
}

func newInitializeRequest(id any) *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         "initialize",
		Params: mustJSON(map[string]any{
			"protocolVersion": "2025-06-18",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "test-client", "version": "1.0.0"},
		}),
		ID: jsonrpc.NewRequestID(id),
	}
}

func pingRequest(id any) *jsonrpc.Request {
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         "ping",
		ID:             jsonrpc.NewRequestID(id),
	}
}

// mustInitialize runs the creation handshake and returns the issued session id.
func mustInitialize(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, evt := mustPostMCP(t, srv, "", newInitializeRequest(1))
	defer resp.Body.Close()

	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("unexpected initialize status: want %d got %d", want, got)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatalf("missing Mcp-Session-Id header")
	}
	var res jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &res)
	if res.Error != nil {
		t.Fatalf("initialize error: %+v", res.Error)
	}
	return sessID
}

// startGetStream opens the session's standalone event stream and asserts it
// commits as one. Callers read frames through the returned reader and end the
// request via cancel.
func startGetStream(t *testing.T, srv *httptest.Server, sessionID, lastEventID string) (*http.Response, *bufio.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/", nil)
	if err != nil {
		cancel()
		t.Fatalf("new get request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open get stream: %v", err)
	}
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		resp.Body.Close()
		cancel()
		t.Fatalf("unexpected stream status: want %d got %d", want, got)
	}
	return resp, bufio.NewReader(resp.Body), cancel
}

// doGetMCP performs a one-shot GET without holding a stream open, for
// asserting on rejection outcomes.
func doGetMCP(t *testing.T, srv *httptest.Server, sessionID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new get request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do get: %v", err)
	}
	return resp
}

func doDeleteMCP(t *testing.T, srv *httptest.Server, sessionID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new delete request: %v", err)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do delete: %v", err)
	}
	return resp
}

// rpcErrorBody is the structured rejection envelope the JSON-speaking
// endpoints answer with.
type rpcErrorBody struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Error          *jsonrpc.Error  `json:"error"`
	ID             json.RawMessage `json:"id"`
}

func decodeRPCError(t *testing.T, resp *http.Response) rpcErrorBody {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read error body: %v", err)
	}
	var out rpcErrorBody
	mustUnmarshalJSON(t, body, &out)
	if out.Error == nil {
		t.Fatalf("expected JSON-RPC error body, got %s", string(body))
	}
	return out
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// singleEngine adapts one pre-built engine into a factory, for tests that
// need a scripted failure mode enginetest does not cover.
func singleEngine(eng mcphttp.Engine) mcphttp.EngineFactory {
	return func(context.Context) (mcphttp.Engine, error) { return eng, nil }
}

// ============================================================================

// logBridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()
	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithGroup(name),
	}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{
		t:   t,
		buf: &bytes.Buffer{},
		mu:  &sync.Mutex{},
	}
	hOpts := &slog.HandlerOptions{
		AddSource: false,
		Level:     slog.LevelDebug,
	}
	b.Handler = slog.NewTextHandler(b.buf, hOpts)

	return b
}
