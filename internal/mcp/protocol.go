// Package mcp implements the newline-delimited JSON-RPC 2.0 dialect of the
// Model Context Protocol used between the IDE and the bridge over stdio.
package mcp

import (
	json "github.com/goccy/go-json"
)

// ProtocolVersion is the MCP revision spoken by Server and Client
const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request or, without an id, a notification
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request expects no response
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// ServerInfo names the implementation in the initialize handshake
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool describes a callable tool and its argument schema
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCallParams are the params for the tools/call method
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the result of a tool call
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolContent represents content in a tool result
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text returns the concatenated text content
func (r *ToolResult) Text() string {
	var text string
	for _, c := range r.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return text
}

// TextResult wraps text as a single content item
func TextResult(text string, isError bool) *ToolResult {
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: text}}, IsError: isError}
}

// Resource describes a readable resource in resources/list
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceReadParams are the params for the resources/read method
type ResourceReadParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one item of a resources/read result
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// ResourceReadResult is the result of resources/read
type ResourceReadResult struct {
	Contents []ResourceContents `json:"contents"`
}
