//go:build !windows

package bridge

import (
	"os/exec"
	"syscall"
)

// detach configures the bridge child to survive the CLI process: its own
// session, no controlling terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// terminate asks a bridge to shut down (SIGTERM).
func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// kill force-stops a bridge (SIGKILL).
func kill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
