//go:build windows

package paths

import (
	"os"

	"golang.org/x/sys/windows"
)

// signal0 probes process liveness by attempting to open a handle to the
// process with query rights; os.Process.Signal doesn't support a null
// signal on Windows.
func signal0(p *os.Process) error {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(p.Pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return err
	}
	if code != uint32(259) { // STILL_ACTIVE
		return os.ErrProcessDone
	}
	return nil
}
