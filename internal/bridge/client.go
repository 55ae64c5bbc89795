package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apify/mcpc/internal/bridgeproto"
)

const (
	// DialTimeout bounds connecting to a bridge's socket.
	DialTimeout = 5 * time.Second

	// RequestTimeout is the CLI-side deadline for one bridge request.
	// The daemon has no per-request timeout of its own.
	RequestTimeout = 3 * time.Minute
)

// NotificationHandler receives server-initiated notifications fanned out
// by the bridge.
type NotificationHandler func(bridgeproto.Notification)

// Client is the CLI side of the bridge IPC: one connection with correlated
// request/response exchange and notification delivery.
type Client struct {
	conn net.Conn

	wmu sync.Mutex // serializes frame writes

	pendingMu sync.Mutex
	pending   map[string]chan *bridgeproto.Message
	closed    bool

	handlerMu sync.Mutex
	handler   NotificationHandler
}

// Dial connects to a session's bridge socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := dial(socketPath, DialTimeout)
	if err != nil {
		return nil, &bridgeproto.NetworkError{Msg: fmt.Sprintf("connect to bridge at %s: %v", socketPath, err)}
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *bridgeproto.Message),
	}
	go c.readLoop()
	return c, nil
}

// OnNotification installs the handler invoked for each notification
// frame. Notifications received before a handler is installed are
// dropped; a late subscriber does not see history.
func (c *Client) OnNotification(fn NotificationHandler) {
	c.handlerMu.Lock()
	c.handler = fn
	c.handlerMu.Unlock()
}

// readLoop splits the byte stream on newlines and dispatches frames:
// responses to their pending deferred, notifications to the handler.
func (c *Client) readLoop() {
	reader := newLineReader(c.conn)
	for {
		line, err := reader.next()
		if err != nil {
			c.failPending(&bridgeproto.NetworkError{Msg: "bridge connection closed"})
			return
		}
		if len(line) == 0 {
			continue
		}

		msg, err := bridgeproto.Decode(line)
		if err != nil {
			continue // unparseable frame; nothing to correlate it to
		}

		switch msg.Type {
		case bridgeproto.TypeResponse:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		case bridgeproto.TypeNotification:
			if msg.Notification == nil {
				continue
			}
			c.handlerMu.Lock()
			fn := c.handler
			c.handlerMu.Unlock()
			if fn != nil {
				fn(*msg.Notification)
			}
		}
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- &bridgeproto.Message{
			Type:  bridgeproto.TypeResponse,
			ID:    id,
			Error: bridgeproto.ToWire(err),
		}
		delete(c.pending, id)
	}
}

func (c *Client) writeFrame(msg *bridgeproto.Message) error {
	frame, err := bridgeproto.Encode(msg)
	if err != nil {
		return &bridgeproto.ClientError{Msg: fmt.Sprintf("encode frame: %v", err)}
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return &bridgeproto.NetworkError{Msg: fmt.Sprintf("write to bridge: %v", err)}
	}
	return nil
}

// Request sends one request and waits for its correlated response,
// translating wire error codes into typed errors.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("marshal params: %v", err)}
		}
		rawParams = data
	}

	id := uuid.NewString()
	ch := make(chan *bridgeproto.Message, 1)

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, &bridgeproto.NetworkError{Msg: "bridge connection closed"}
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(&bridgeproto.Message{
		Type:   bridgeproto.TypeRequest,
		ID:     id,
		Method: method,
		Params: rawParams,
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, bridgeproto.FromWire(resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, &bridgeproto.NetworkError{Msg: fmt.Sprintf("request %s timed out after %s", method, RequestTimeout)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendAuthCredentials delivers the secret payload to a freshly spawned
// bridge. One-way: no response is awaited.
func (c *Client) SendAuthCredentials(creds *bridgeproto.AuthCredentials) error {
	return c.writeFrame(&bridgeproto.Message{
		Type:            bridgeproto.TypeSetAuthCredentials,
		AuthCredentials: creds,
	})
}

// RequestShutdown asks the daemon to run its shutdown sequence. The
// daemon acknowledges before exiting; a dropped connection after the send
// also counts, since shutdown closes all client sockets.
func (c *Client) RequestShutdown(ctx context.Context) error {
	id := uuid.NewString()
	ch := make(chan *bridgeproto.Message, 1)

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeFrame(&bridgeproto.Message{Type: bridgeproto.TypeShutdown, ID: id}); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		// A NetworkError here means the daemon closed our socket while
		// shutting down, which is the outcome we asked for.
		if resp.Error != nil && resp.Error.Code != bridgeproto.CodeNetwork {
			return bridgeproto.FromWire(resp.Error)
		}
		return nil
	case <-time.After(DialTimeout):
		return &bridgeproto.NetworkError{Msg: "bridge did not acknowledge shutdown"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all pending requests with NetworkError and ends the
// connection.
func (c *Client) Close() error {
	c.failPending(&bridgeproto.NetworkError{Msg: "bridge client closed"})
	return c.conn.Close()
}
