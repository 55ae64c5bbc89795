package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTimeout is the default timeout for RPC calls.
	DefaultTimeout = 30 * time.Second
	// MaxRetries is the maximum number of retries for connection.
	MaxRetries = 3
)

// Client implements McpClient using a Transport. Unlike a simple
// request-reply loop, Client runs one background read goroutine so that
// server-initiated notifications (tools/resources/prompts list-changed,
// and any other message) can arrive interleaved with in-flight request
// responses; the bridge daemon needs both at once.
type Client struct {
	transport Transport
	nextID    atomic.Int64

	mu      sync.Mutex
	closed  bool
	pending map[int64]chan *rpcResponse

	startOnce sync.Once

	handlersMu             sync.Mutex
	onToolsListChanged     func()
	onResourcesListChanged func()
	onPromptsListChanged   func()
	onMessage              func(method string, params json.RawMessage)

	// Server info from initialization
	serverName      string
	serverVersion   string
	protocolVersion string
}

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcEnvelope is parsed first to tell a response (has id) from a
// notification (has method, no id) without knowing the shape in advance.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	Result json.RawMessage
	Error  *rpcError
}

// rpcError is a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsServerError reports whether err is a JSON-RPC error the server itself
// returned, as opposed to a transport failure. Callers use this to decide
// whether a failed call means "server said no" or "connection is broken".
func IsServerError(err error) bool {
	var rpcErr *rpcError
	return errors.As(err, &rpcErr)
}

// initializeParams is the params for the initialize request.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the result of the initialize request.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	Capabilities    any        `json:"capabilities"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// toolsListResult is the result of tools/list.
type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

// NewClient creates a new MCP client with the given transport.
func NewClient(transport Transport) *Client {
	return &Client{
		transport: transport,
		pending:   make(map[int64]chan *rpcResponse),
	}
}

// SetNotificationHandlers installs the three list-changed callbacks and a
// generic message callback feeding the bridge's notification fan-out.
// message is invoked for every notification, including the three
// list-changed ones, so a caller that only wants raw fan-out doesn't need
// to also register the specific callbacks.
func (c *Client) SetNotificationHandlers(toolsChanged, resourcesChanged, promptsChanged func(), message func(method string, params json.RawMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onToolsListChanged = toolsChanged
	c.onResourcesListChanged = resourcesChanged
	c.onPromptsListChanged = promptsChanged
	c.onMessage = message
}

// ensureReadLoop starts the background reader exactly once.
func (c *Client) ensureReadLoop() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// readLoop is the Client's single reader: it owns transport.Receive and
// dispatches every incoming line to either a pending request's channel or
// the notification callbacks. It runs until the transport errors or Close
// is called.
func (c *Client) readLoop() {
	for {
		data, err := c.transport.Receive(context.Background())
		if err != nil {
			c.drainPending()
			return
		}

		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue // malformed line; nothing to correlate it to
		}

		if env.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*env.ID]
			c.mu.Unlock()
			if ok {
				ch <- &rpcResponse{Result: env.Result, Error: env.Error}
			}
			continue
		}

		if env.Method != "" {
			c.dispatchNotification(env.Method, env.Params)
		}
	}
}

// drainPending unblocks every in-flight call when the transport dies.
func (c *Client) drainPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.handlersMu.Lock()
	tools, resources, prompts, message := c.onToolsListChanged, c.onResourcesListChanged, c.onPromptsListChanged, c.onMessage
	c.handlersMu.Unlock()

	switch method {
	case "notifications/tools/list_changed":
		if tools != nil {
			tools()
		}
	case "notifications/resources/list_changed":
		if resources != nil {
			resources()
		}
	case "notifications/prompts/list_changed":
		if prompts != nil {
			prompts()
		}
	}
	if message != nil {
		message(method, params)
	}
}

// Initialize performs the MCP initialization handshake.
// For stdio transports, it tries protocol versions in order until one is accepted.
// For HTTP transports, version negotiation is handled by the transport layer.
func (c *Client) Initialize(ctx context.Context) error {
	c.ensureReadLoop()

	// Try each supported version until one works
	var lastErr error
	for _, version := range SupportedProtocolVersions {
		params := initializeParams{
			ProtocolVersion: version,
			Capabilities:    map[string]any{},
			ClientInfo: clientInfo{
				Name:    "mcpc",
				Version: "0.1.0",
			},
		}

		var result initializeResult
		err := c.call(ctx, "initialize", params, &result)
		if err != nil {
			// Check if this is a version rejection error
			if isProtocolVersionError(err) {
				lastErr = err
				continue // Try next version
			}
			// Other errors are fatal
			return fmt.Errorf("initialize: %w", err)
		}

		// Success!
		c.serverName = result.ServerInfo.Name
		c.serverVersion = result.ServerInfo.Version
		c.protocolVersion = version

		// Send initialized notification
		if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
			return fmt.Errorf("initialized notification: %w", err)
		}

		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("all protocol versions rejected: %w", lastErr)
	}
	return fmt.Errorf("initialize: no protocol versions to try")
}

// isProtocolVersionError checks if an error indicates a protocol version rejection.
func isProtocolVersionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// Common patterns in version rejection errors
	return strings.Contains(errStr, "protocol") && strings.Contains(errStr, "version") ||
		strings.Contains(errStr, "protocolVersion") ||
		strings.Contains(errStr, "unsupported version")
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	return c.protocolVersion
}

// Ping issues an MCP ping, used by the bridge daemon's keepalive loop.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// ListTools retrieves the list of tools from the server.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var result toolsListResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	return result.Tools, nil
}

// ServerInfo returns information about the connected server.
func (c *Client) ServerInfo() (name, version string) {
	return c.serverName, c.serverVersion
}

// CallTool invokes a tool on the MCP server.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error) {
	params := toolCallParams{
		Name:      name,
		Arguments: arguments,
	}

	var result toolCallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, fmt.Errorf("tools/call: %w", err)
	}

	return &ToolResult{
		Content: result.Content,
		IsError: result.IsError,
	}, nil
}

// toolCallParams is the params for tools/call.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolCallResult is the result of tools/call.
type toolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Resource is an MCP resource descriptor.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourcesListResult struct {
	Resources []Resource `json:"resources"`
}

// ListResources retrieves the list of resources from the server.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var result resourcesListResult
	if err := c.call(ctx, "resources/list", nil, &result); err != nil {
		return nil, fmt.Errorf("resources/list: %w", err)
	}
	return result.Resources, nil
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

type resourceReadResult struct {
	Contents []ResourceContent `json:"contents"`
}

// ResourceContent is one content entry returned by resources/read.
type ResourceContent json.RawMessage

// MarshalJSON implements json.Marshaler.
func (c ResourceContent) MarshalJSON() ([]byte, error) { return json.RawMessage(c), nil }

// UnmarshalJSON implements json.Unmarshaler.
func (c *ResourceContent) UnmarshalJSON(data []byte) error {
	*c = ResourceContent(data)
	return nil
}

// ReadResource fetches the content of a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	var result resourceReadResult
	if err := c.call(ctx, "resources/read", resourceReadParams{URI: uri}, &result); err != nil {
		return nil, fmt.Errorf("resources/read: %w", err)
	}
	return result.Contents, nil
}

// Prompt is an MCP prompt descriptor.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type promptsListResult struct {
	Prompts []Prompt `json:"prompts"`
}

// ListPrompts retrieves the list of prompts from the server.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var result promptsListResult
	if err := c.call(ctx, "prompts/list", nil, &result); err != nil {
		return nil, fmt.Errorf("prompts/list: %w", err)
	}
	return result.Prompts, nil
}

type promptGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// PromptMessage is one message in a prompts/get result.
type PromptMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

type promptGetResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// GetPrompt resolves a prompt template with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (string, []PromptMessage, error) {
	var result promptGetResult
	if err := c.call(ctx, "prompts/get", promptGetParams{Name: name, Arguments: arguments}, &result); err != nil {
		return "", nil, fmt.Errorf("prompts/get: %w", err)
	}
	return result.Description, result.Messages, nil
}

// ContentBlock represents a content block in a tool result.
// Uses json.RawMessage to preserve all fields from upstream servers,
// including non-text content types (images, resources, etc.).
type ContentBlock json.RawMessage

// MarshalJSON implements json.Marshaler.
func (c ContentBlock) MarshalJSON() ([]byte, error) {
	return json.RawMessage(c), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ContentBlock) UnmarshalJSON(data []byte) error {
	*c = ContentBlock(data)
	return nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.transport.Close()
}

// call makes a JSON-RPC call and waits for the response, correlated by
// id against whatever readLoop delivers. Ordering across distinct
// concurrent calls is not guaranteed.
func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	c.ensureReadLoop()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client closed")
	}
	id := c.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	if err := c.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("transport closed while awaiting response")
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify sends a JSON-RPC notification (no response expected).
func (c *Client) notify(ctx context.Context, method string, params interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client closed")
	}
	c.mu.Unlock()

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return c.transport.Send(ctx, data)
}
