// Package client implements the JSON-RPC 2.0 channel the launching client
// speaks over the server's standard streams: initialize, tools/list,
// tools/call, plus outbound event notifications. The tool catalogue and
// the pending-request engine live in the server package; this layer only
// translates between JSON-RPC and tool calls.
package client

import (
	"encoding/json"

	"github.com/viyv/viyv-browser/internal/protocol"
)

// Request is an incoming JSON-RPC 2.0 request. A nil ID marks a
// notification, which receives no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is an outgoing JSON-RPC 2.0 notification (no id).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC 2.0 error codes used by this channel.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// ContentBlock is one entry of a tool result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the client-facing tool invocation result.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// WrapResult packages a worker result verbatim as a single text block.
func WrapResult(result json.RawMessage) ToolResult {
	text := string(result)
	if text == "" {
		text = "null"
	}
	return ToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// WrapError packages a wire error as a well-formed error payload inside
// the tool-result envelope, not a protocol-level failure.
func WrapError(werr *protocol.WireError) ToolResult {
	body, err := protocol.Marshal(map[string]any{"error": werr})
	if err != nil {
		body = []byte(`{"error":{"code":"INTERNAL_ERROR","message":"error marshal failed"}}`)
	}
	return ToolResult{
		Content: []ContentBlock{{Type: "text", Text: string(body)}},
		IsError: true,
	}
}
