package provider

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// Request is a JSON-RPC 2.0 request envelope sent to a provider endpoint.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// NewRequest builds an envelope with a fresh request id. Nil params are sent
// as an empty object.
func NewRequest(method mcp.MCPMethod, params any) Request {
	if params == nil {
		params = map[string]any{}
	}
	return Request{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      uuid.NewString(),
		Method:  string(method),
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// CatalogEntry is one tool advertised by a provider's tools/list result.
type CatalogEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// InputSchema is kept byte-for-byte as the provider sent it.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools []CatalogEntry `json:"tools"`
}

// CallParams is the params member of a tools/call request.
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type callToolResult struct {
	Content []map[string]any `json:"content"`
	IsError bool             `json:"isError,omitempty"`
}
