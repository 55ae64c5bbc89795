//go:build windows

package bridge

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// listen binds the bridge's IPC endpoint: a named pipe in the kernel pipe
// namespace. Pipes vanish with their owning process, so there is no stale
// file to unlink.
func listen(pipePath string) (net.Listener, error) {
	// Restrict to the current user (SY = LocalSystem, BA = admins,
	// OW = owner). Mirrors the 0700 bridges directory on POSIX.
	cfg := &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;SY)(A;;GA;;;BA)(A;;GA;;;OW)",
	}
	return winio.ListenPipe(pipePath, cfg)
}

// dial connects to a bridge's named pipe.
func dial(pipePath string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(pipePath, &timeout)
}

// endpointExists reports whether the pipe is being served. Named pipes
// have no filesystem presence, so probe with a short dial.
func endpointExists(pipePath string) bool {
	probe := 100 * time.Millisecond
	conn, err := winio.DialPipe(pipePath, &probe)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// removeEndpoint is a no-op on Windows; the pipe dies with its listener.
func removeEndpoint(string) error { return nil }
