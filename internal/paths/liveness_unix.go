//go:build !windows

package paths

import (
	"os"
	"syscall"
)

// signal0 probes process liveness via the null signal.
func signal0(p *os.Process) error {
	return p.Signal(syscall.Signal(0))
}
