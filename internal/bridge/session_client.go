package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apify/mcpc/internal/bridgeproto"
	"github.com/apify/mcpc/internal/config"
	"github.com/apify/mcpc/internal/keychain"
	"github.com/apify/mcpc/internal/paths"
	"github.com/apify/mcpc/internal/session"
)

// SessionClient is the C10 facade: the MCP operation surface for one
// named session, backed by the bridge manager and client. Each one-shot
// operation ensures the bridge is alive, opens a connection, issues the
// request, and closes; Sustain keeps one connection open for a shell.
type SessionClient struct {
	name     string
	manager  *Manager
	registry *session.Registry

	sustained *Client
}

// NewSessionClient builds a facade over an existing session.
func NewSessionClient(name string, manager *Manager, registry *session.Registry) *SessionClient {
	return &SessionClient{name: name, manager: manager, registry: registry}
}

// Sustain opens a long-lived connection reused by every subsequent
// operation, for shell-style callers. fn, if non-nil, receives fanned-out
// notifications.
func (s *SessionClient) Sustain(ctx context.Context, fn NotificationHandler) error {
	if s.sustained != nil {
		return nil
	}
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	if fn != nil {
		client.OnNotification(fn)
	}
	s.sustained = client
	return nil
}

// Close releases the sustained connection, if any.
func (s *SessionClient) Close() error {
	if s.sustained == nil {
		return nil
	}
	err := s.sustained.Close()
	s.sustained = nil
	return err
}

func (s *SessionClient) connect(ctx context.Context) (*Client, error) {
	if err := s.manager.EnsureBridgeHealthy(ctx, s.name); err != nil {
		return nil, err
	}
	rec, err := s.registry.Get(s.name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("no session named %s", s.name)}
	}
	return Dial(rec.SocketPath)
}

// request runs one bridge request. A NetworkError triggers one invisible
// reconnect attempt: the bridge may have died between the health check
// and the send.
func (s *SessionClient) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.sustained != nil {
		result, err := s.sustained.Request(ctx, method, params)
		var netErr *bridgeproto.NetworkError
		if err != nil && errors.As(err, &netErr) {
			_ = s.Close()
			if err := s.Sustain(ctx, nil); err != nil {
				return nil, err
			}
			return s.sustained.Request(ctx, method, params)
		}
		return result, err
	}

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	result, err := client.Request(ctx, method, params)
	var netErr *bridgeproto.NetworkError
	if err != nil && errors.As(err, &netErr) {
		retry, rerr := s.connect(ctx)
		if rerr != nil {
			return nil, err
		}
		defer retry.Close()
		return retry.Request(ctx, method, params)
	}
	return result, err
}

// Ping probes the session's MCP server through the bridge.
func (s *SessionClient) Ping(ctx context.Context) error {
	_, err := s.request(ctx, "ping", nil)
	return err
}

// ListTools returns the server's tools verbatim.
func (s *SessionClient) ListTools(ctx context.Context) (json.RawMessage, error) {
	return s.request(ctx, "tools/list", nil)
}

// CallTool invokes a tool, passing arguments through untouched.
func (s *SessionClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	return s.request(ctx, "tools/call", callToolParams{Name: name, Arguments: arguments})
}

// ListResources returns the server's resources verbatim.
func (s *SessionClient) ListResources(ctx context.Context) (json.RawMessage, error) {
	return s.request(ctx, "resources/list", nil)
}

// ReadResource fetches a resource's contents by URI.
func (s *SessionClient) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return s.request(ctx, "resources/read", readResourceParams{URI: uri})
}

// ListPrompts returns the server's prompts verbatim.
func (s *SessionClient) ListPrompts(ctx context.Context) (json.RawMessage, error) {
	return s.request(ctx, "prompts/list", nil)
}

// GetPrompt resolves a prompt template.
func (s *SessionClient) GetPrompt(ctx context.Context, name string, arguments map[string]string) (json.RawMessage, error) {
	return s.request(ctx, "prompts/get", getPromptParams{Name: name, Arguments: arguments})
}

// Status returns the bridge's diagnostic view of the session.
func (s *SessionClient) Status(ctx context.Context) (*StatusResult, error) {
	raw, err := s.request(ctx, "status", nil)
	if err != nil {
		return nil, err
	}
	var status StatusResult
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("parse status: %v", err)}
	}
	return &status, nil
}

// ConnectOptions are the inputs of the connect operation.
type ConnectOptions struct {
	Name        string
	Server      session.ServerDescriptor
	ProfileName string
	Headers     map[string]string
	Verbose     bool
}

// Connect creates (or reconnects) a named session: validates inputs,
// stores the header bundle in the keychain, writes the session record,
// spawns the bridge, and confirms the handshake end to end.
func Connect(ctx context.Context, registry *session.Registry, store keychain.Store,
	profiles *config.ProfileStore, manager *Manager, opts ConnectOptions) (*session.Record, error) {

	if err := paths.ValidateSessionName(opts.Name); err != nil {
		return nil, &bridgeproto.ClientError{Msg: err.Error()}
	}
	if (opts.Server.HTTP == nil) == (opts.Server.Stdio == nil) {
		return nil, &bridgeproto.ClientError{Msg: "server must be exactly one of http or stdio"}
	}

	if opts.ProfileName != "" {
		if opts.Server.HTTP == nil {
			return nil, &bridgeproto.ClientError{Msg: "OAuth profiles apply only to http sessions"}
		}
		profile, err := profiles.Get(opts.Server.HTTP.URL, opts.ProfileName)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			return nil, &bridgeproto.AuthError{
				Msg: fmt.Sprintf("no profile %q for %s; run login first", opts.ProfileName, opts.Server.HTTP.URL),
			}
		}
	}

	// Reconnecting an existing session: tear its bridge down first.
	if existing, err := registry.Get(opts.Name); err != nil {
		return nil, err
	} else if existing != nil {
		if err := manager.StopBridge(opts.Name); err != nil {
			return nil, err
		}
	}

	// Headers from the server descriptor and the explicit option both
	// end up in the keychain bundle, never in the record or argv.
	headers := map[string]string{}
	if opts.Server.HTTP != nil {
		for k, v := range opts.Server.HTTP.Headers {
			headers[k] = v
		}
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	if len(headers) > 0 {
		blob, err := json.Marshal(headers)
		if err != nil {
			return nil, err
		}
		if err := store.Put(keychain.NamespaceSessionHeaders, keychain.HeadersKey(opts.Name), blob); err != nil {
			return nil, fmt.Errorf("store header bundle: %w", err)
		}
	} else {
		_ = store.Delete(keychain.NamespaceSessionHeaders, keychain.HeadersKey(opts.Name))
	}

	socketPath, err := paths.SocketPath(opts.Name)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &session.Record{
		Name:        opts.Name,
		Server:      opts.Server.Sanitized(),
		SocketPath:  socketPath,
		ProfileName: opts.ProfileName,
		HeaderCount: len(headers),
		CreatedAt:   now,
		LastSeenAt:  now,
		Status:      session.StatusActive,
	}
	if existing, _ := registry.Get(opts.Name); existing != nil {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := registry.Save(opts.Name, rec); err != nil {
		return nil, err
	}

	result, err := manager.StartBridge(ctx, StartBridgeOptions{
		Name:        opts.Name,
		Server:      opts.Server,
		Verbose:     opts.Verbose,
		ProfileName: opts.ProfileName,
		Headers:     headers,
	})
	if err != nil {
		return nil, err
	}

	if err := registry.Update(opts.Name, func(r *session.Record) {
		r.PID = result.PID
	}); err != nil {
		return nil, err
	}

	// Confirm the handshake: the status request blocks on the daemon's
	// readiness latch and surfaces its startup error if any.
	sc := NewSessionClient(opts.Name, manager, registry)
	if _, err := sc.Status(ctx); err != nil {
		return nil, err
	}

	return registry.Get(opts.Name)
}

// CloseSession tears a session down completely: bridge process, session
// record, socket file, and header keychain bundle. Idempotent.
func CloseSession(registry *session.Registry, store keychain.Store, manager *Manager, name string) error {
	rec, err := registry.Get(name)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	// Ask the daemon to shut down cleanly; fall back to signals.
	if rec.PID != 0 && paths.IsProcessAlive(rec.PID) {
		if client, derr := Dial(rec.SocketPath); derr == nil {
			ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
			_ = client.RequestShutdown(ctx)
			cancel()
			_ = client.Close()
		}
	}
	if err := manager.StopBridge(name); err != nil {
		return err
	}

	if err := store.Delete(keychain.NamespaceSessionHeaders, keychain.HeadersKey(name)); err != nil {
		return fmt.Errorf("delete header bundle: %w", err)
	}
	if err := removeEndpoint(rec.SocketPath); err != nil {
		return fmt.Errorf("remove socket: %w", err)
	}
	return registry.Delete(name)
}
