// Package mcp provides MCP protocol client implementation.
package mcp

import (
	"context"
	"encoding/json"
	"io"
)

// Transport is the interface for MCP transports.
type Transport interface {
	// Send sends a JSON-RPC message.
	Send(ctx context.Context, msg []byte) error
	// Receive reads the next JSON-RPC message.
	Receive(ctx context.Context) ([]byte, error)
	// Close closes the transport.
	Close() error
}

// McpClient is the interface for MCP clients: ping and the three list/call
// primitive families. Notification callbacks are not part of it; they are
// installed with Client.SetNotificationHandlers on the concrete *Client.
type McpClient interface {
	// Initialize performs the MCP initialization handshake.
	Initialize(ctx context.Context) error
	// Ping issues a liveness probe against the server.
	Ping(ctx context.Context) error
	// ListTools retrieves the list of tools from the server.
	ListTools(ctx context.Context) ([]Tool, error)
	// CallTool invokes a tool on the server.
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error)
	// ListResources retrieves the list of resources from the server.
	ListResources(ctx context.Context) ([]Resource, error)
	// ReadResource fetches the content of a resource by URI.
	ReadResource(ctx context.Context, uri string) ([]ResourceContent, error)
	// ListPrompts retrieves the list of prompts from the server.
	ListPrompts(ctx context.Context) ([]Prompt, error)
	// GetPrompt resolves a prompt template with the given arguments.
	GetPrompt(ctx context.Context, name string, arguments map[string]string) (string, []PromptMessage, error)
	// Close closes the client connection.
	Close() error
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// StdioTransportConfig holds configuration for stdio transport.
type StdioTransportConfig struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
}
