// Package mcpserve hosts in-process MCP tool servers. Backends that
// tunnel MCP JSON-RPC through their control channel route each message
// here; tools are registered with typed parameters and their JSON
// schemas are generated from struct tags.
package mcpserve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/invopop/jsonschema"
)

// ToolDefinition describes one exposed tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ContentItem is a single content item in a tool result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the outcome of a tools/call invocation.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// TextResult builds a plain-text tool result.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []ContentItem{{Type: "text", Text: text}}}
}

// ErrorResult builds an error tool result. Tool failures travel as
// results, not JSON-RPC errors, so the model sees them.
func ErrorResult(text string) *ToolResult {
	return &ToolResult{Content: []ContentItem{{Type: "text", Text: text}}, IsError: true}
}

// Handler serves one named MCP server's tools.
type Handler interface {
	Tools() []ToolDefinition
	CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)
}

// Registry implements Handler with typed tool registration.
type Registry struct {
	tools []registration
}

type registration struct {
	name        string
	description string
	schema      json.RawMessage
	invoke      func(context.Context, json.RawMessage) (*ToolResult, error)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddTool registers a tool whose parameters are the struct T; the input
// schema comes from T's json and jsonschema struct tags.
func AddTool[T any](
	r *Registry,
	name, description string,
	handler func(context.Context, T) (string, error),
) *Registry {
	schema := generateSchema[T]()

	invoke := func(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
		var params T
		if len(args) > 0 {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments for tool %s: %w", name, err)
			}
		}
		result, err := handler(ctx, params)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		return TextResult(result), nil
	}

	r.tools = append(r.tools, registration{
		name:        name,
		description: description,
		schema:      schema,
		invoke:      invoke,
	})
	return r
}

// Tools implements Handler.
func (r *Registry) Tools() []ToolDefinition {
	defs := make([]ToolDefinition, len(r.tools))
	for i, t := range r.tools {
		defs[i] = ToolDefinition{Name: t.name, Description: t.description, InputSchema: t.schema}
	}
	return defs
}

// CallTool implements Handler.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	for _, t := range r.tools {
		if t.name == name {
			return t.invoke(ctx, args)
		}
	}
	return ErrorResult(fmt.Sprintf("unknown tool: %s", name)), nil
}

func generateSchema[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := reflector.Reflect(zero)
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("failed to generate schema for type %T: %v", zero, err))
	}
	return json.RawMessage(data)
}

var _ Handler = (*Registry)(nil)

// RPCRequest is a JSON-RPC 2.0 request tunneled through a backend's
// control channel. The ID is opaque; it echoes back unchanged.
type RPCRequest struct {
	ID      interface{}     `json:"id,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is the tunneled JSON-RPC 2.0 response.
type RPCResponse struct {
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// JSON-RPC error codes used by the dispatcher.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// initializeResult is the MCP initialize response payload.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
}

type serverCapabilities struct {
	Tools *toolsCapability `json:"tools,omitempty"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Server routes tunneled MCP messages to named handlers.
type Server struct {
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewServer creates a Server over the given named handlers.
func NewServer(handlers map[string]Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handlers: handlers, logger: logger}
}

// ServerNames lists registered server names.
func (s *Server) ServerNames() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	return names
}

// Handle dispatches one tunneled JSON-RPC message for serverName and
// delivers exactly one RPCResponse through reply. Most methods answer
// synchronously; tools/call runs on its own goroutine because handlers
// may block for minutes, and a handler panic becomes an error response
// instead of taking the process down.
func (s *Server) Handle(ctx context.Context, serverName string, message json.RawMessage, reply func(RPCResponse)) {
	handler, ok := s.handlers[serverName]
	if !ok {
		reply(errorResponse(nil, codeInternal, fmt.Sprintf("no MCP handler for server %q", serverName)))
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(message, &req); err != nil {
		reply(errorResponse(nil, codeParseError, "failed to parse JSON-RPC request"))
		return
	}

	switch req.Method {
	case "initialize":
		reply(successResponse(req.ID, initializeResult{
			ProtocolVersion: "2024-11-05",
			Capabilities:    serverCapabilities{Tools: &toolsCapability{}},
			ServerInfo:      serverInfo{Name: serverName, Version: "1.0.0"},
		}))

	case "notifications/initialized":
		reply(successResponse(req.ID, map[string]interface{}{}))

	case "tools/list":
		reply(successResponse(req.ID, toolsListResult{Tools: handler.Tools()}))

	case "tools/call":
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("MCP tool handler panic", "server", serverName, "panic", r)
					reply(errorResponse(req.ID, codeInternal, fmt.Sprintf("tool handler panic: %v", r)))
				}
			}()

			var params toolsCallParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				reply(errorResponse(req.ID, codeInvalidParams, "invalid tools/call params"))
				return
			}

			result, err := handler.CallTool(ctx, params.Name, params.Arguments)
			if err != nil {
				result = ErrorResult(fmt.Sprintf("Tool error: %v", err))
			}
			reply(successResponse(req.ID, result))
		}()

	default:
		reply(errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)))
	}
}

func successResponse(id interface{}, result interface{}) RPCResponse {
	return RPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id interface{}, code int, message string) RPCResponse {
	return RPCResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}
