// Package enginetest provides a scripted Engine for exercising the HTTP
// handlers in tests and demos. It speaks just enough of the protocol to make
// a real client happy: initialize, ping, tool listing and dispatch, and raw
// pushes over the channel's MessageWriter. Everything it receives is
// recorded for later assertions.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mcphttp "github.com/ggoodman/mcp-http-adapters-go"
	"github.com/ggoodman/mcp-http-adapters-go/jsonrpc"
	"github.com/invopop/jsonschema"
)

// latestProtocolVersion is offered when a client requests a revision this
// engine does not know.
const latestProtocolVersion = "2025-06-18"

var knownProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// RequestHandler overrides the canned handling of one method.
type RequestHandler func(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type serverCapabilities struct {
	Tools *toolsCapability `json:"tools,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      implementation     `json:"serverInfo"`
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callToolResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolDef pairs a tool descriptor with its handler.
type ToolDef struct {
	descriptor toolDescriptor
	handler    func(ctx context.Context, args json.RawMessage) (string, error)
}

// Tool builds a ToolDef from a typed args struct A. The input schema is
// reflected from A, inlined at the root; the handler decodes arguments into A
// before invoking fn. A handler error becomes an isError tool result, not a
// protocol error.
func Tool[A any](name, description string, fn func(ctx context.Context, args A) (string, error)) ToolDef {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema, err := json.Marshal(r.Reflect(new(A)))
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return ToolDef{
		descriptor: toolDescriptor{
			Name:        name,
			Description: description,
			InputSchema: schema,
		},
		handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var a A
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &a); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
			}
			return fn(ctx, a)
		},
	}
}

// Engine is a scripted protocol engine. The zero value is not usable; use
// New. Name and Version feed the initialize result's serverInfo and may be
// set before the engine serves traffic.
type Engine struct {
	Name    string
	Version string

	mu        sync.Mutex
	writer    mcphttp.MessageWriter
	tools     []ToolDef
	overrides map[string]RequestHandler
	notes     []*jsonrpc.Request
	replies   []*jsonrpc.Response
	connects  int
	closes    int
}

var _ mcphttp.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		Name:      "scripted-server",
		Version:   "0.0.1",
		overrides: make(map[string]RequestHandler),
	}
}

// AddTools registers tools for listing and dispatch.
func (e *Engine) AddTools(defs ...ToolDef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools = append(e.tools, defs...)
}

// Handle overrides the handling of one request method.
func (e *Engine) Handle(method string, h RequestHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[method] = h
}

func (e *Engine) Connect(_ context.Context, w mcphttp.MessageWriter) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writer = w
	e.connects++
	return nil
}

func (e *Engine) HandleRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	e.mu.Lock()
	override := e.overrides[req.Method]
	e.mu.Unlock()
	if override != nil {
		return override(ctx, req)
	}

	switch req.Method {
	case "initialize":
		return e.handleInitialize(req)
	case "ping":
		return jsonrpc.NewResultResponse(req.ID, struct{}{})
	case "tools/list":
		return e.handleListTools(req)
	case "tools/call":
		return e.handleCallTool(ctx, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil), nil
	}
}

func (e *Engine) handleInitialize(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	version := latestProtocolVersion
	for _, v := range knownProtocolVersions {
		if params.ProtocolVersion == v {
			version = v
			break
		}
	}

	return jsonrpc.NewResultResponse(req.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities: serverCapabilities{
			Tools: &toolsCapability{ListChanged: true},
		},
		ServerInfo: implementation{Name: e.Name, Version: e.Version},
	})
}

func (e *Engine) handleListTools(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	e.mu.Lock()
	tools := make([]toolDescriptor, 0, len(e.tools))
	for _, t := range e.tools {
		tools = append(tools, t.descriptor)
	}
	e.mu.Unlock()

	return jsonrpc.NewResultResponse(req.ID, listToolsResult{Tools: tools})
}

func (e *Engine) handleCallTool(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tool call params", nil), nil
	}

	e.mu.Lock()
	var def *ToolDef
	for i := range e.tools {
		if e.tools[i].descriptor.Name == params.Name {
			def = &e.tools[i]
			break
		}
	}
	e.mu.Unlock()
	if def == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil), nil
	}

	text, err := def.handler(ctx, params.Arguments)
	if err != nil {
		return jsonrpc.NewResultResponse(req.ID, callToolResult{
			Content: []textContent{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
	}
	return jsonrpc.NewResultResponse(req.ID, callToolResult{
		Content: []textContent{{Type: "text", Text: text}},
	})
}

func (e *Engine) HandleNotification(_ context.Context, note *jsonrpc.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notes = append(e.notes, note)
	return nil
}

func (e *Engine) HandleResponse(_ context.Context, res *jsonrpc.Response) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replies = append(e.replies, res)
	return nil
}

func (e *Engine) Close(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

// Notify pushes a notification through the channel's MessageWriter.
func (e *Engine) Notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return e.push(ctx, req)
}

// PushRequest pushes a server-initiated request through the channel's
// MessageWriter. The client's answer arrives via HandleResponse.
func (e *Engine) PushRequest(ctx context.Context, id int64, method string, params any) error {
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		return err
	}
	return e.push(ctx, req)
}

func (e *Engine) push(ctx context.Context, req *jsonrpc.Request) error {
	e.mu.Lock()
	w := e.writer
	e.mu.Unlock()
	if w == nil {
		return fmt.Errorf("engine is not connected")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return w.WriteMessage(ctx, jsonrpc.Message(data))
}

// Notifications returns the notifications received so far, in order.
func (e *Engine) Notifications() []*jsonrpc.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*jsonrpc.Request, len(e.notes))
	copy(out, e.notes)
	return out
}

// Responses returns the client responses received so far, in order.
func (e *Engine) Responses() []*jsonrpc.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*jsonrpc.Response, len(e.replies))
	copy(out, e.replies)
	return out
}

// ConnectCalls reports how many times Connect ran.
func (e *Engine) ConnectCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connects
}

// CloseCalls reports how many times Close ran.
func (e *Engine) CloseCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// Factory produces a fresh Engine per call and retains every engine it made,
// so tests can assert on per-operation isolation after the fact.
type Factory struct {
	// Configure, when set, runs on each new engine before it is returned.
	Configure func(*Engine)

	mu      sync.Mutex
	created []*Engine
}

// Make matches mcphttp.EngineFactory.
func (f *Factory) Make(_ context.Context) (mcphttp.Engine, error) {
	eng := New()
	if f.Configure != nil {
		f.Configure(eng)
	}
	f.mu.Lock()
	f.created = append(f.created, eng)
	f.mu.Unlock()
	return eng, nil
}

// Engines returns every engine created so far, in creation order.
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Engine, len(f.created))
	copy(out, f.created)
	return out
}
