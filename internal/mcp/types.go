// Package mcp holds the wire-agnostic tool types shared between the
// built-in tools, the tool registry, and the persistent MCP client pool.
package mcp

import (
	"context"
	"encoding/json"
)

// Tool describes a callable tool: its name, description, and JSON Schema
// for arguments, independent of whether it is built in or served by an
// external MCP service.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of a tool result. Type is "text", "image", or
// "document"; Text carries text content, Data/MimeType carry binary content
// for image/document blocks (base64-encoded, matching MCP's own wire shape).
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolHandler executes a local (built-in) tool call.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (*ToolResult, error)

// Standard MCP error codes, used when bridging to JSON-RPC upstream errors.
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603
)
