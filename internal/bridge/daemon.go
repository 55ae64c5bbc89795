// Package bridge implements the session bridge subsystem: the long-lived
// daemon owning one MCP connection, the CLI-side IPC client, the
// manager that spawns and supervises bridges, and the session facade
// the CLI operates through.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apify/mcpc/internal/bridgeproto"
	"github.com/apify/mcpc/internal/keychain"
	"github.com/apify/mcpc/internal/mcp"
	"github.com/apify/mcpc/internal/oauth"
	"github.com/apify/mcpc/internal/process"
	"github.com/apify/mcpc/internal/session"
)

const (
	// KeepaliveInterval is the period of the daemon's MCP ping loop.
	KeepaliveInterval = 30 * time.Second

	// AuthCredentialsWait bounds how long a bridge started with a
	// profile waits for its set-auth-credentials message.
	AuthCredentialsWait = 5 * time.Second

	// StartupGracePeriod keeps the IPC socket serving the startup error
	// before a failed bridge exits, so pending CLIs read a concrete
	// failure instead of a vanished socket.
	StartupGracePeriod = 10 * time.Second

	// MaxInFlightRequests and MaxQueuedRequests bound concurrent work:
	// beyond in-flight + queued, new requests fail fast.
	MaxInFlightRequests = 10
	MaxQueuedRequests   = 100
)

// sessionExpirySignatures are the server error fragments that mean "this
// MCP session is gone" rather than "this request failed". The list and
// the 404/"tool" exclusion are a known heuristic carried as-is: a 404 on
// a tool name must not expire the whole session.
var sessionExpirySignatures = []string{
	"session expired",
	"session not found",
	"invalid session",
	"session is no longer valid",
}

func isSessionExpirySignal(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range sessionExpirySignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	if strings.Contains(msg, "404") && !strings.Contains(msg, "tool") {
		return true
	}
	return false
}

// readiness is the latch pending request handlers wait on: resolved once
// (ok or error) when the MCP handshake settles, and every later wait
// returns the same result immediately.
type readiness struct {
	ch   chan struct{}
	once sync.Once
	err  error
}

func newReadiness() *readiness {
	return &readiness{ch: make(chan struct{})}
}

func (r *readiness) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.ch)
	})
}

func (r *readiness) wait(ctx context.Context) error {
	select {
	case <-r.ch:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DaemonConfig carries the bridge executable's parsed command line plus
// the logger initialized for the session.
type DaemonConfig struct {
	SessionName string
	SocketPath  string
	Server      session.ServerDescriptor // sanitized: no headers
	Verbose     bool
	ProfileName string

	Logger    *log.Logger
	LogCloser io.Closer
}

// Daemon is the bridge daemon: one transport connection, one IPC
// server, one keepalive loop, many CLI clients.
type Daemon struct {
	cfg      DaemonConfig
	registry *session.Registry
	store    keychain.Store
	logger   *log.Logger

	ready    *readiness
	listener net.Listener

	mcpClient mcp.McpClient
	handle    *process.Handle // stdio child, nil for HTTP

	connsMu sync.Mutex
	conns   map[*clientConn]struct{}

	inFlight chan struct{} // semaphore, MaxInFlightRequests slots
	queued   atomic.Int32

	credsCh chan *bridgeproto.AuthCredentials

	shutdownOnce sync.Once
	stopKeep     chan struct{}
	done         chan struct{}
}

// NewDaemon wires a daemon from its parsed configuration.
func NewDaemon(cfg DaemonConfig, registry *session.Registry, store keychain.Store) *Daemon {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Daemon{
		cfg:      cfg,
		registry: registry,
		store:    store,
		logger:   logger,
		ready:    newReadiness(),
		conns:    make(map[*clientConn]struct{}),
		inFlight: make(chan struct{}, MaxInFlightRequests),
		credsCh:  make(chan *bridgeproto.AuthCredentials, 1),
		stopKeep: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run executes the startup sequence and blocks until shutdown. The
// returned error is non-nil only for startup failures; a session-expiry
// exit returns nil so the process exits 0.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Printf("bridge starting: session=%s socket=%s transport=%s",
		d.cfg.SessionName, d.cfg.SocketPath, d.cfg.Server.Transport())

	// IPC first: accept connections immediately so early CLIs can queue
	// on the readiness latch instead of failing to dial.
	ln, err := listen(d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("bind IPC socket: %w", err)
	}
	d.listener = ln
	go d.acceptLoop()

	creds, err := d.awaitCredentials()
	if err != nil {
		d.failStartup(err)
		return err
	}

	if err := d.connect(ctx, creds); err != nil {
		d.failStartup(err)
		return err
	}
	d.ready.resolve(nil)
	d.logger.Printf("bridge ready: session=%s", d.cfg.SessionName)

	d.recordConnected()

	go d.keepaliveLoop()

	// Orphan GC never blocks startup; failures are logged, not fatal.
	go CleanupOrphanLogs(d.registry, d.logger)
	go d.cleanupOrphanChildren()

	select {
	case <-ctx.Done():
		d.Shutdown()
	case <-d.done:
	}
	<-d.done
	return nil
}

// awaitCredentials implements startup step 3: a bridge that needs
// secrets (an OAuth profile, or stored headers per the session record)
// waits up to AuthCredentialsWait for one set-auth-credentials message.
func (d *Daemon) awaitCredentials() (*bridgeproto.AuthCredentials, error) {
	needsCreds := d.cfg.ProfileName != ""
	if !needsCreds {
		if rec, err := d.registry.Get(d.cfg.SessionName); err == nil && rec != nil && rec.HeaderCount > 0 {
			needsCreds = true
		}
	}
	if !needsCreds {
		return nil, nil
	}

	select {
	case creds := <-d.credsCh:
		return creds, nil
	case <-time.After(AuthCredentialsWait):
		return nil, &bridgeproto.AuthError{
			Msg: fmt.Sprintf("no auth credentials received within %s for session %s", AuthCredentialsWait, d.cfg.SessionName),
		}
	}
}

// connect builds the transport for the session's server and performs the
// MCP initialization handshake.
func (d *Daemon) connect(ctx context.Context, creds *bridgeproto.AuthCredentials) error {
	switch d.cfg.Server.Transport() {
	case session.TransportStdio:
		return d.connectStdio(ctx)
	default:
		return d.connectHTTP(ctx, creds)
	}
}

func (d *Daemon) connectStdio(ctx context.Context) error {
	srv := d.cfg.Server.Stdio
	tracker, err := process.NewChildTracker()
	if err != nil {
		d.logger.Printf("child PID tracking unavailable: %v", err)
	}

	handle, err := process.StartStdioServer(ctx, d.cfg.SessionName, process.Spec{
		Command: srv.Command,
		Args:    srv.Args,
		Env:     srv.Env,
	}, process.StartOptions{Logger: d.logger, Tracker: tracker})
	if err != nil {
		return &bridgeproto.NetworkError{Msg: fmt.Sprintf("start stdio server: %v", err)}
	}

	d.handle = handle
	d.mcpClient = handle.Client()
	d.installNotificationFanout(handle.Client())
	return nil
}

func (d *Daemon) connectHTTP(ctx context.Context, creds *bridgeproto.AuthCredentials) error {
	srv := d.cfg.Server.HTTP

	cfg := mcp.StreamableHTTPConfig{URL: srv.URL}
	if srv.TimeoutSeconds > 0 {
		cfg.Client = &http.Client{Timeout: time.Duration(srv.TimeoutSeconds) * time.Second}
	}

	if creds != nil {
		cfg.HTTPHeaders = creds.Headers

		if creds.RefreshToken != "" || creds.ProfileName != "" {
			manager, err := d.buildRefreshManager(ctx, creds)
			if err != nil {
				return err
			}
			if manager != nil {
				cfg.BearerTokenProvider = manager.GetValidAccessToken
			}
		}
	}

	transport := mcp.NewStreamableHTTPTransport(cfg)
	if err := transport.Connect(ctx); err != nil {
		return d.classifyConnectError(err)
	}

	client := mcp.NewClient(transport)
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Initialize(initCtx); err != nil {
		_ = client.Close()
		return d.classifyConnectError(err)
	}

	d.mcpClient = client
	d.installNotificationFanout(client)
	return nil
}

// buildRefreshManager assembles the token manager for an HTTP session
// with an OAuth profile: in-memory state seeded from the IPC credentials
// and the keychain, callbacks reading and writing the keychain so peer
// bridges see rotations.
func (d *Daemon) buildRefreshManager(ctx context.Context, creds *bridgeproto.AuthCredentials) (*oauth.RefreshManager, error) {
	host, err := keychain.CanonicalHost(creds.ServerURL)
	if err != nil {
		return nil, &bridgeproto.AuthError{Msg: fmt.Sprintf("canonicalize server url: %v", err)}
	}
	profile := creds.ProfileName

	client, err := oauth.LoadStoredClient(d.store, host, profile)
	if err != nil {
		return nil, &bridgeproto.AuthError{Msg: err.Error()}
	}
	if client == nil {
		// No stored registration: discover the token endpoint so refresh
		// can still proceed with the client id delivered over IPC.
		if creds.ClientID == "" {
			return nil, &bridgeproto.AuthError{
				Msg: fmt.Sprintf("profile %s for %s has no stored client registration", profile, host),
			}
		}
		disc, err := oauth.Discover(ctx, creds.ServerURL)
		if err != nil {
			return nil, &bridgeproto.AuthError{Msg: fmt.Sprintf("discover token endpoint: %v", err)}
		}
		client = &oauth.StoredClient{
			ClientID:      creds.ClientID,
			TokenEndpoint: disc.Metadata.TokenEndpoint,
			Issuer:        disc.Metadata.Issuer,
		}
	}

	cfg := oauth.RefreshManagerConfig{
		ServerURL:     creds.ServerURL,
		ProfileName:   profile,
		ClientID:      client.ClientID,
		ClientSecret:  client.ClientSecret,
		TokenEndpoint: client.TokenEndpoint,
		RefreshToken:  creds.RefreshToken,
		OnBeforeRefresh: func() (oauth.TokenSnapshot, error) {
			stored, err := oauth.LoadStoredTokens(d.store, host, profile)
			if err != nil || stored == nil {
				return oauth.TokenSnapshot{}, err
			}
			return oauth.TokenSnapshot{
				AccessToken:  stored.AccessToken,
				RefreshToken: stored.RefreshToken,
				ExpiresAt:    stored.ExpiresAt,
			}, nil
		},
		OnTokenRefresh: func(snap oauth.TokenSnapshot) error {
			return oauth.SaveStoredTokens(d.store, host, profile, &oauth.StoredTokens{
				AccessToken:  snap.AccessToken,
				RefreshToken: snap.RefreshToken,
				ExpiresAt:    snap.ExpiresAt,
			})
		},
	}

	// Seed with whatever access token the keychain already holds so a
	// freshly spawned bridge doesn't refresh needlessly.
	if stored, err := oauth.LoadStoredTokens(d.store, host, profile); err == nil && stored != nil {
		cfg.AccessToken = stored.AccessToken
		cfg.AccessTokenExpiresAt = stored.ExpiresAt
		if cfg.RefreshToken == "" {
			cfg.RefreshToken = stored.RefreshToken
		}
	}

	if cfg.RefreshToken == "" {
		return nil, &bridgeproto.AuthError{
			Msg: fmt.Sprintf("profile %s for %s has no refresh token; run login again", profile, host),
		}
	}

	return oauth.NewRefreshManager(cfg), nil
}

func (d *Daemon) classifyConnectError(err error) error {
	var authErr *oauth.NonRetryableAuthError
	if errors.As(err, &authErr) || isSessionExpirySignal(err) {
		return &bridgeproto.AuthError{Msg: err.Error()}
	}
	if mcp.IsServerError(err) {
		return &bridgeproto.ServerError{Msg: err.Error()}
	}
	return &bridgeproto.NetworkError{Msg: err.Error()}
}

// recordConnected updates the session record after a successful handshake.
func (d *Daemon) recordConnected() {
	version := ""
	if c, ok := d.mcpClient.(*mcp.Client); ok {
		version = c.ProtocolVersion()
	}
	err := d.registry.Update(d.cfg.SessionName, func(rec *session.Record) {
		rec.Status = session.StatusActive
		rec.LastSeenAt = time.Now().UTC()
		if version != "" {
			rec.ProtocolVersion = version
		}
	})
	if err != nil {
		d.logger.Printf("update session record after connect: %v", err)
	}
}

// failStartup rejects the readiness latch and keeps the IPC socket open
// through the grace period so pending CLIs receive the concrete error.
func (d *Daemon) failStartup(err error) {
	d.logger.Printf("bridge startup failed: %v", err)
	d.ready.resolve(err)
	time.Sleep(StartupGracePeriod)
	d.Shutdown()
	<-d.done
}

// keepaliveLoop pings the MCP server every KeepaliveInterval, touching
// lastSeenAt on success and watching for session-expiry signatures.
func (d *Daemon) keepaliveLoop() {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopKeep:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), KeepaliveInterval)
		err := d.mcpClient.Ping(ctx)
		cancel()

		if err == nil {
			if uerr := d.registry.Update(d.cfg.SessionName, func(rec *session.Record) {
				rec.LastSeenAt = time.Now().UTC()
			}); uerr != nil {
				d.logger.Printf("keepalive: update lastSeenAt: %v", uerr)
			}
			continue
		}

		d.logger.Printf("keepalive ping failed: %v", err)
		if isSessionExpirySignal(err) {
			d.markExpiredAndExit()
			return
		}
	}
}

// markExpiredAndExit flips the session record to expired and runs the
// shutdown sequence. Subsequent CLI invocations fail deterministically on
// the expired status instead of rediscovering the condition.
func (d *Daemon) markExpiredAndExit() {
	d.logger.Printf("session %s expired by server; shutting down", d.cfg.SessionName)
	if err := d.registry.Update(d.cfg.SessionName, func(rec *session.Record) {
		rec.Status = session.StatusExpired
		rec.PID = 0
	}); err != nil {
		d.logger.Printf("mark session expired: %v", err)
	}
	d.Shutdown()
}

// cleanupOrphanChildren kills MCP server children left behind by bridges
// that died without shutdown.
func (d *Daemon) cleanupOrphanChildren() {
	tracker, err := process.NewChildTracker()
	if err != nil {
		return
	}
	if killed := tracker.CleanupOrphans(d.registry); killed > 0 {
		d.logger.Printf("killed %d orphan MCP server process(es)", killed)
	}
}

// Shutdown runs the shutdown sequence. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Printf("bridge shutting down: session=%s", d.cfg.SessionName)

		close(d.stopKeep)

		d.connsMu.Lock()
		for c := range d.conns {
			_ = c.conn.Close()
		}
		d.conns = make(map[*clientConn]struct{})
		d.connsMu.Unlock()

		if d.listener != nil {
			_ = d.listener.Close()
		}
		if err := removeEndpoint(d.cfg.SocketPath); err != nil {
			d.logger.Printf("remove socket: %v", err)
		}

		if d.handle != nil {
			_ = d.handle.Stop()
		} else if d.mcpClient != nil {
			_ = d.mcpClient.Close()
		}

		if d.cfg.LogCloser != nil {
			_ = d.cfg.LogCloser.Close()
		}

		close(d.done)
	})
}

// Done is closed once shutdown completes.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// clientConn is one accepted IPC connection. Writes are serialized per
// socket so responses and notifications never interleave mid-frame.
type clientConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (c *clientConn) writeMessage(msg *bridgeproto.Message) error {
	frame, err := bridgeproto.Encode(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(frame)
	return err
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return // listener closed during shutdown
		}
		c := &clientConn{conn: conn}
		d.connsMu.Lock()
		d.conns[c] = struct{}{}
		d.connsMu.Unlock()
		go d.serveConn(c)
	}
}

func (d *Daemon) dropConn(c *clientConn) {
	d.connsMu.Lock()
	delete(d.conns, c)
	d.connsMu.Unlock()
	_ = c.conn.Close()
}

// serveConn reads newline-delimited frames from one CLI connection and
// dispatches by message type. A client disconnect does not cancel MCP
// calls it originated; their responses are dropped on the write error.
func (d *Daemon) serveConn(c *clientConn) {
	defer d.dropConn(c)

	reader := newLineReader(c.conn)
	for {
		line, err := reader.next()
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}

		msg, err := bridgeproto.Decode(line)
		if err != nil {
			_ = c.writeMessage(&bridgeproto.Message{
				Type:  bridgeproto.TypeResponse,
				Error: bridgeproto.NewClientError("malformed frame: %v", err),
			})
			continue
		}

		switch msg.Type {
		case bridgeproto.TypeRequest:
			d.handleRequest(c, msg)
		case bridgeproto.TypeShutdown:
			_ = c.writeMessage(&bridgeproto.Message{Type: bridgeproto.TypeResponse, ID: msg.ID})
			go d.Shutdown()
		case bridgeproto.TypeSetAuthCredentials:
			d.handleSetAuthCredentials(c, msg)
		default:
			_ = c.writeMessage(&bridgeproto.Message{
				Type:  bridgeproto.TypeResponse,
				ID:    msg.ID,
				Error: bridgeproto.NewClientError("unknown message type %q", msg.Type),
			})
		}
	}
}

func (d *Daemon) handleSetAuthCredentials(c *clientConn, msg *bridgeproto.Message) {
	if msg.AuthCredentials == nil {
		_ = c.writeMessage(&bridgeproto.Message{
			Type:  bridgeproto.TypeResponse,
			ID:    msg.ID,
			Error: bridgeproto.NewClientError("set-auth-credentials without payload"),
		})
		return
	}

	select {
	case d.credsCh <- msg.AuthCredentials:
	default:
		// Credentials already delivered; late duplicates are ignored.
		d.logger.Printf("duplicate set-auth-credentials ignored")
	}

	_ = c.writeMessage(&bridgeproto.Message{Type: bridgeproto.TypeResponse, ID: msg.ID})
}

// handleRequest admits a request through the in-flight/queue caps and
// runs it on its own goroutine so slow MCP calls don't stall the
// connection's reader.
func (d *Daemon) handleRequest(c *clientConn, msg *bridgeproto.Message) {
	if n := d.queued.Add(1); n > MaxInFlightRequests+MaxQueuedRequests {
		d.queued.Add(-1)
		_ = c.writeMessage(&bridgeproto.Message{
			Type:  bridgeproto.TypeResponse,
			ID:    msg.ID,
			Error: bridgeproto.NewClientError("queue full"),
		})
		return
	}

	go func() {
		defer d.queued.Add(-1)

		d.inFlight <- struct{}{}
		defer func() { <-d.inFlight }()

		ctx := context.Background()

		if err := d.ready.wait(ctx); err != nil {
			d.respondError(c, msg.ID, err)
			return
		}

		result, err := d.routeRequest(ctx, msg.Method, msg.Params)
		if err != nil {
			d.respondError(c, msg.ID, err)
			return
		}

		if werr := c.writeMessage(&bridgeproto.Message{
			Type:   bridgeproto.TypeResponse,
			ID:     msg.ID,
			Result: result,
		}); werr != nil {
			d.logger.Printf("drop response for %s: client gone: %v", msg.ID, werr)
		}
	}()
}

func (d *Daemon) respondError(c *clientConn, id string, err error) {
	if werr := c.writeMessage(&bridgeproto.Message{
		Type:  bridgeproto.TypeResponse,
		ID:    id,
		Error: bridgeproto.ToWire(d.classifyRequestError(err)),
	}); werr != nil {
		d.logger.Printf("drop error response for %s: client gone: %v", id, werr)
	}
}

// classifyRequestError maps an MCP-call failure onto the wire error kinds.
func (d *Daemon) classifyRequestError(err error) error {
	var wireTyped *bridgeproto.Error
	if errors.As(err, &wireTyped) {
		return err
	}
	var ce *bridgeproto.ClientError
	var ae *bridgeproto.AuthError
	var ne *bridgeproto.NetworkError
	var se *bridgeproto.ServerError
	if errors.As(err, &ce) || errors.As(err, &ae) || errors.As(err, &ne) || errors.As(err, &se) {
		return err
	}

	var authErr *oauth.NonRetryableAuthError
	if errors.As(err, &authErr) || isSessionExpirySignal(err) {
		return &bridgeproto.AuthError{Msg: err.Error()}
	}
	if mcp.IsServerError(err) {
		return &bridgeproto.ServerError{Msg: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || strings.Contains(err.Error(), "transport closed") {
		return &bridgeproto.NetworkError{Msg: err.Error()}
	}
	return &bridgeproto.ServerError{Msg: err.Error()}
}

// Request params shapes shared with the bridge client.

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type getPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// StatusResult is the response of the diagnostic "status" method.
type StatusResult struct {
	SessionName     string `json:"sessionName"`
	Transport       string `json:"transport"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
	Connected       bool   `json:"connected"`
}

// routeRequest maps an IPC method onto the MCP client surface.
func (d *Daemon) routeRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "ping":
		if err := d.mcpClient.Ping(ctx); err != nil {
			return nil, err
		}
		return json.RawMessage(`{}`), nil

	case "tools/list":
		tools, err := d.mcpClient.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		return marshalResult(map[string]any{"tools": tools})

	case "tools/call":
		var p callToolParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("invalid tools/call params: %v", err)}
		}
		result, err := d.mcpClient.CallTool(ctx, p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		return marshalResult(result)

	case "resources/list":
		resources, err := d.mcpClient.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		return marshalResult(map[string]any{"resources": resources})

	case "resources/read":
		var p readResourceParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("invalid resources/read params: %v", err)}
		}
		contents, err := d.mcpClient.ReadResource(ctx, p.URI)
		if err != nil {
			return nil, err
		}
		return marshalResult(map[string]any{"contents": contents})

	case "prompts/list":
		prompts, err := d.mcpClient.ListPrompts(ctx)
		if err != nil {
			return nil, err
		}
		return marshalResult(map[string]any{"prompts": prompts})

	case "prompts/get":
		var p getPromptParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("invalid prompts/get params: %v", err)}
		}
		description, messages, err := d.mcpClient.GetPrompt(ctx, p.Name, p.Arguments)
		if err != nil {
			return nil, err
		}
		return marshalResult(map[string]any{"description": description, "messages": messages})

	case "status":
		version := ""
		if c, ok := d.mcpClient.(*mcp.Client); ok {
			version = c.ProtocolVersion()
		}
		return marshalResult(StatusResult{
			SessionName:     d.cfg.SessionName,
			Transport:       string(d.cfg.Server.Transport()),
			ProtocolVersion: version,
			Connected:       true,
		})

	default:
		return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("unknown method %q", method)}
	}
}

func marshalResult(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

// installNotificationFanout translates the transport's list-changed
// callbacks and generic messages into notification frames written to
// every connected client. The generic message callback already fires for
// every notification, including the three list-changed ones, so fan-out
// installs only it.
func (d *Daemon) installNotificationFanout(client *mcp.Client) {
	client.SetNotificationHandlers(nil, nil, nil, d.fanoutNotification)
}

// fanoutNotification writes one notification frame to every currently
// connected client. A write failure drops only that client.
func (d *Daemon) fanoutNotification(method string, params json.RawMessage) {
	msg := &bridgeproto.Message{
		Type: bridgeproto.TypeNotification,
		Notification: &bridgeproto.Notification{
			Method: method,
			Params: params,
		},
	}

	d.connsMu.Lock()
	targets := make([]*clientConn, 0, len(d.conns))
	for c := range d.conns {
		targets = append(targets, c)
	}
	d.connsMu.Unlock()

	for _, c := range targets {
		if err := c.writeMessage(msg); err != nil {
			d.logger.Printf("notification fan-out: dropping client: %v", err)
			d.dropConn(c)
		}
	}
}
