package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/apify/mcpc/internal/mcp"
)

const (
	// GracefulShutdownTimeout is how long to wait for SIGTERM before SIGKILL.
	GracefulShutdownTimeout = 5 * time.Second

	// MaxInitRetries is the maximum number of MCP initialization attempts.
	MaxInitRetries = 3

	// InitRetryBaseDelay is the base delay between retry attempts.
	InitRetryBaseDelay = 500 * time.Millisecond
)

// Spec describes the stdio MCP server subprocess to launch. It mirrors
// the stdio half of a session's server descriptor without importing the
// session package.
type Spec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// StartOptions configures StartStdioServer.
type StartOptions struct {
	// Logger receives lifecycle and stderr diagnostics. Defaults to the
	// standard logger.
	Logger *log.Logger

	// Tracker, if set, records the child PID for orphan cleanup.
	Tracker *ChildTracker
}

// StartStdioServer spawns the MCP server subprocess for a session, wires
// its pipes into a stdio transport, and completes the MCP initialization
// handshake with retry. The returned Handle owns the child.
func StartStdioServer(ctx context.Context, name string, spec Spec, opts StartOptions) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	logger.Printf("Starting stdio server: session=%s cmd=%s args=%v", name, spec.Command, spec.Args)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = childEnv(spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	if opts.Tracker != nil {
		if err := opts.Tracker.Record(name, cmd.Process.Pid, spec.Command); err != nil {
			logger.Printf("Warning: failed to track child PID: %v", err)
		}
	}

	transport := mcp.NewStdioTransport(stdin, stdout)
	client := mcp.NewClient(transport)

	h := &Handle{
		name:      name,
		cmd:       cmd,
		transport: transport,
		client:    client,
		tracker:   opts.Tracker,
		logger:    logger,
		logs:      make([]string, 0, 1000),
		done:      make(chan struct{}),
	}

	go h.readStderr(stderr)
	go h.watchProcess()

	// Initialize MCP connection with retry and exponential backoff.
	var initErr error
	for attempt := 1; attempt <= MaxInitRetries; attempt++ {
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		initErr = client.Initialize(initCtx)
		cancel()

		if initErr == nil {
			break
		}

		logger.Printf("MCP init attempt %d/%d failed: %v", attempt, MaxInitRetries, initErr)

		if attempt < MaxInitRetries {
			delay := InitRetryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				_ = h.Stop()
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	if initErr != nil {
		_ = h.Stop()
		return nil, fmt.Errorf("initialize mcp after %d attempts: %w", MaxInitRetries, initErr)
	}

	return h, nil
}

// Handle represents a running stdio MCP server child.
type Handle struct {
	name      string
	cmd       *exec.Cmd
	transport *mcp.StdioTransport
	client    *mcp.Client
	tracker   *ChildTracker
	logger    *log.Logger

	logs   []string
	logsMu sync.RWMutex

	stopped bool
	stopMu  sync.Mutex
	done    chan struct{} // closed when the child exits
}

// Name returns the owning session's name.
func (h *Handle) Name() string { return h.name }

// Client returns the MCP client speaking to the child.
func (h *Handle) Client() *mcp.Client { return h.client }

// PID returns the child's process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed when the child has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsRunning reports whether the child is still alive.
func (h *Handle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Logs returns the retained tail of the child's stderr output.
func (h *Handle) Logs() []string {
	h.logsMu.RLock()
	defer h.logsMu.RUnlock()
	out := make([]string, len(h.logs))
	copy(out, h.logs)
	return out
}

// Stop terminates the child: MCP client close, SIGTERM, then SIGKILL
// after GracefulShutdownTimeout. Idempotent.
func (h *Handle) Stop() error {
	h.stopMu.Lock()
	if h.stopped {
		h.stopMu.Unlock()
		return nil
	}
	h.stopped = true
	h.stopMu.Unlock()

	if h.client != nil {
		_ = h.client.Close()
	}

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-h.done:
			// Child exited gracefully.
		case <-time.After(GracefulShutdownTimeout):
			_ = h.cmd.Process.Signal(syscall.SIGKILL)
			<-h.done
		}
	}

	if h.tracker != nil {
		_ = h.tracker.Forget(h.name)
	}

	return nil
}

// readStderr retains the last 1000 stderr lines and mirrors them into
// the session logger.
func (h *Handle) readStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		h.logsMu.Lock()
		h.logs = append(h.logs, line)
		if len(h.logs) > 1000 {
			h.logs = h.logs[len(h.logs)-1000:]
		}
		h.logsMu.Unlock()

		h.logger.Printf("[%s stderr] %s", h.name, line)
	}
}

// watchProcess reaps the child and records its exit.
func (h *Handle) watchProcess() {
	err := h.cmd.Wait()
	close(h.done)

	h.stopMu.Lock()
	wasStopped := h.stopped
	h.stopped = true
	h.stopMu.Unlock()

	exitCode := 0
	if h.cmd.ProcessState != nil {
		exitCode = h.cmd.ProcessState.ExitCode()
	}

	if wasStopped {
		h.logger.Printf("Child for session %s exited (code=%d)", h.name, exitCode)
	} else {
		h.logger.Printf("Child for session %s exited unexpectedly: code=%d err=%v", h.name, exitCode, err)
	}
}

// childEnv merges the bridge's own environment with the server
// descriptor's declared variables, the descriptor winning on conflict.
// The bridge runs detached from any login shell, so PATH is topped up
// with the usual tool directories when they are missing; npx-style
// server launchers live there.
func childEnv(custom map[string]string) []string {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	for k, v := range custom {
		vars[k] = v
	}
	vars["PATH"] = ensureToolDirs(vars["PATH"])

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// ensureToolDirs appends the common tool directories to a PATH that
// lacks them. Directories already present keep their position so the
// caller's own ordering still wins lookups.
func ensureToolDirs(path string) string {
	sep := string(os.PathListSeparator)
	present := make(map[string]bool)
	for _, dir := range strings.Split(path, sep) {
		present[dir] = true
	}

	for _, dir := range []string{"/opt/homebrew/bin", "/usr/local/bin", "/usr/bin", "/bin"} {
		if present[dir] {
			continue
		}
		if path == "" {
			path = dir
		} else {
			path += sep + dir
		}
	}
	return path
}
