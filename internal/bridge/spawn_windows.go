//go:build windows

package bridge

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// detach configures the bridge child to survive the CLI process: its own
// process group, no console window.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS,
	}
}

// terminate stops a bridge. Windows has no SIGTERM delivery for detached
// processes, so both paths kill outright; the daemon's shutdown sequence
// is idempotent against that.
func terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func kill(pid int) error {
	return terminate(pid)
}
