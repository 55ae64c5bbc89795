package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/apify/mcpc/internal/bridgeproto"
	"github.com/apify/mcpc/internal/keychain"
	"github.com/apify/mcpc/internal/oauth"
	"github.com/apify/mcpc/internal/paths"
	"github.com/apify/mcpc/internal/session"
)

const (
	// SpawnReadinessTimeout bounds the wait for a spawned bridge's
	// socket to appear.
	SpawnReadinessTimeout = 5 * time.Second

	// StopGracePeriod is how long StopBridge waits after SIGTERM before
	// escalating to SIGKILL.
	StopGracePeriod = time.Second

	// bridgeExecEnvVar overrides the bridge executable. Used by tests
	// and by installations that split the binaries.
	bridgeExecEnvVar = "MCPC_BRIDGE_EXEC"
)

// Manager spawns bridges as detached
// children, delivers their credentials over IPC, diagnoses health, and
// restarts on failover.
type Manager struct {
	registry *session.Registry
	store    keychain.Store

	// execArgv is the command prefix a bridge is spawned with; the
	// bridge operands (name, socket, server) are appended to it.
	execArgv []string
}

// NewManager builds a manager. The bridge executable is the
// MCPC_BRIDGE_EXEC environment variable if set, else a sibling
// mcpc-bridge binary if installed, else the current binary re-executed
// with the bridge-exec verb.
func NewManager(registry *session.Registry, store keychain.Store) (*Manager, error) {
	argv, err := bridgeExecArgv()
	if err != nil {
		return nil, err
	}
	return &Manager{registry: registry, store: store, execArgv: argv}, nil
}

func bridgeExecArgv() ([]string, error) {
	if override := os.Getenv(bridgeExecEnvVar); override != "" {
		return []string{override}, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}

	// Prefer a sibling mcpc-bridge binary when installed; otherwise
	// re-exec ourselves with the hidden bridge-exec verb.
	sibling := filepath.Join(filepath.Dir(self), "mcpc-bridge")
	if _, err := os.Stat(sibling); err == nil {
		return []string{sibling}, nil
	}
	return []string{self, "bridge-exec"}, nil
}

// StartBridgeOptions are StartBridge's inputs.
type StartBridgeOptions struct {
	Name        string
	Server      session.ServerDescriptor
	Verbose     bool
	ProfileName string
	Headers     map[string]string
}

// StartResult reports a successful spawn.
type StartResult struct {
	PID        int
	SocketPath string
}

// StartBridge spawns a bridge for a session and waits for its socket.
// Secrets never appear in the child's argv: the server descriptor is
// sanitized, and credentials follow over IPC.
func (m *Manager) StartBridge(ctx context.Context, opts StartBridgeOptions) (*StartResult, error) {
	socketPath, err := paths.SocketPath(opts.Name)
	if err != nil {
		return nil, err
	}

	sanitized := opts.Server.Sanitized()
	serverJSON, err := json.Marshal(sanitized)
	if err != nil {
		return nil, fmt.Errorf("marshal server descriptor: %w", err)
	}

	argv := append([]string{}, m.execArgv...)
	argv = append(argv, opts.Name, socketPath, string(serverJSON))
	if opts.Verbose {
		argv = append(argv, "--verbose")
	}
	if opts.ProfileName != "" {
		argv = append(argv, "--profile", opts.ProfileName)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("spawn bridge for %s: %v", opts.Name, err)}
	}
	pid := cmd.Process.Pid

	// Release the child so the CLI can exit without reaping it.
	_ = cmd.Process.Release()

	if err := m.awaitSocket(ctx, socketPath); err != nil {
		_ = terminate(pid)
		return nil, err
	}

	if opts.ProfileName != "" || len(opts.Headers) > 0 {
		if err := m.deliverCredentials(ctx, socketPath, opts); err != nil {
			_ = terminate(pid)
			return nil, err
		}
	}

	return &StartResult{PID: pid, SocketPath: socketPath}, nil
}

func (m *Manager) awaitSocket(ctx context.Context, socketPath string) error {
	deadline := time.Now().Add(SpawnReadinessTimeout)
	for time.Now().Before(deadline) {
		if endpointExists(socketPath) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return &bridgeproto.ClientError{
		Msg: fmt.Sprintf("bridge socket %s did not appear within %s", socketPath, SpawnReadinessTimeout),
	}
}

// deliverCredentials opens one IPC connection and sends the
// set-auth-credentials message: the profile's refresh token and client id
// from the keychain, plus any session headers verbatim.
func (m *Manager) deliverCredentials(ctx context.Context, socketPath string, opts StartBridgeOptions) error {
	creds := &bridgeproto.AuthCredentials{
		ProfileName: opts.ProfileName,
		Headers:     opts.Headers,
	}

	if opts.Server.HTTP != nil {
		creds.ServerURL = opts.Server.HTTP.URL
	}

	if opts.ProfileName != "" && creds.ServerURL != "" {
		host, err := keychain.CanonicalHost(creds.ServerURL)
		if err != nil {
			return &bridgeproto.AuthError{Msg: fmt.Sprintf("canonicalize server url: %v", err)}
		}
		tokens, err := oauth.LoadStoredTokens(m.store, host, opts.ProfileName)
		if err != nil {
			return &bridgeproto.AuthError{Msg: err.Error()}
		}
		if tokens == nil || tokens.RefreshToken == "" {
			return &bridgeproto.AuthError{
				Msg: fmt.Sprintf("profile %s has no refresh token for %s; run login first", opts.ProfileName, host),
			}
		}
		creds.RefreshToken = tokens.RefreshToken

		if client, err := oauth.LoadStoredClient(m.store, host, opts.ProfileName); err == nil && client != nil {
			creds.ClientID = client.ClientID
		}
	}

	client, err := Dial(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.SendAuthCredentials(creds)
}

// StopBridge terminates a session's bridge process: SIGTERM, a one
// second grace, then SIGKILL. The session record and header bundle stay
// intact so a later EnsureBridgeHealthy can fail over.
func (m *Manager) StopBridge(name string) error {
	rec, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	if rec == nil || rec.PID == 0 {
		return nil
	}
	if !paths.IsProcessAlive(rec.PID) {
		return m.registry.Update(name, func(r *session.Record) { r.PID = 0 })
	}

	_ = terminate(rec.PID)

	deadline := time.Now().Add(StopGracePeriod)
	for time.Now().Before(deadline) {
		if !paths.IsProcessAlive(rec.PID) {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if paths.IsProcessAlive(rec.PID) {
		_ = kill(rec.PID)
	}

	return m.registry.Update(name, func(r *session.Record) { r.PID = 0 })
}

// IsBridgeHealthy reports pid-alive AND socket-present. No ping: liveness
// probing belongs to the daemon's keepalive.
func (m *Manager) IsBridgeHealthy(name string) (bool, error) {
	rec, err := m.registry.Get(name)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, &bridgeproto.ClientError{Msg: fmt.Sprintf("no session named %s", name)}
	}
	if rec.PID == 0 || !paths.IsProcessAlive(rec.PID) {
		return false, nil
	}
	return endpointExists(rec.SocketPath), nil
}

// EnsureBridgeHealthy restarts a dead bridge with the session's stored
// profile and recovered headers. A headerCount mismatch against the
// keychain bundle is a hard error: the caller must close and recreate
// the session rather than run with partial credentials.
func (m *Manager) EnsureBridgeHealthy(ctx context.Context, name string) error {
	healthy, err := m.IsBridgeHealthy(name)
	if err != nil {
		return err
	}
	if healthy {
		return nil
	}

	if err := m.StopBridge(name); err != nil {
		return err
	}

	rec, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	if rec == nil {
		return &bridgeproto.ClientError{Msg: fmt.Sprintf("no session named %s", name)}
	}
	if rec.Status == session.StatusExpired {
		return &bridgeproto.AuthError{
			Msg: fmt.Sprintf("session %s is expired; reconnect it explicitly", name),
		}
	}

	headers, err := m.recoverHeaders(name, rec.HeaderCount)
	if err != nil {
		return err
	}

	result, err := m.StartBridge(ctx, StartBridgeOptions{
		Name:        name,
		Server:      rec.Server,
		ProfileName: rec.ProfileName,
		Headers:     headers,
	})
	if err != nil {
		return err
	}

	return m.registry.Update(name, func(r *session.Record) {
		r.PID = result.PID
		r.Status = session.StatusActive
		r.LastSeenAt = time.Now().UTC()
	})
}

// recoverHeaders reloads the session's header bundle from the keychain
// for failover.
func (m *Manager) recoverHeaders(name string, expected int) (map[string]string, error) {
	if expected == 0 {
		return nil, nil
	}

	blob, err := m.store.Get(keychain.NamespaceSessionHeaders, keychain.HeadersKey(name))
	if err != nil {
		return nil, err
	}

	var headers map[string]string
	if blob != nil {
		if err := json.Unmarshal(blob, &headers); err != nil {
			return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("corrupt header bundle for %s: %v", name, err)}
		}
	}

	if len(headers) != expected {
		return nil, &bridgeproto.ClientError{
			Msg: fmt.Sprintf("header bundle for %s has %d entries, expected %d; close and recreate the session",
				name, len(headers), expected),
		}
	}
	return headers, nil
}
