//go:build windows

package filelock

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/windows"
)

// lock holds an exclusive LockFileEx range on the sidecar file's handle.
type lock struct {
	f *os.File
}

func lockSidecar(path string) string {
	return path + ".lock"
}

// tryLock attempts a non-blocking exclusive byte-range lock on path's
// sidecar file, mirroring the POSIX flock-on-sidecar scheme.
func tryLock(path string) (*lock, error) {
	f, err := os.OpenFile(lockSidecar(path), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}

	ol := new(windows.Overlapped)
	const lockRange = 1
	err = windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, lockRange, 0, ol,
	)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if err := f.Truncate(0); err != nil {
		releaseRange(f)
		_ = f.Close()
		return nil, err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		releaseRange(f)
		_ = f.Close()
		return nil, err
	}
	return &lock{f: f}, nil
}

func releaseRange(f *os.File) {
	ol := new(windows.Overlapped)
	_ = windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
}

func (l *lock) release() {
	releaseRange(l.f)
	_ = l.f.Close()
}

// lockOwnerPID reads the PID recorded by the current holder of path's lock.
func lockOwnerPID(path string) (int, bool) {
	data, err := os.ReadFile(lockSidecar(path))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// clearLockOwner removes the recorded owner so a fresh tryLock isn't
// mistaken for still being held by the dead process that wrote it.
func clearLockOwner(path string) {
	_ = os.Remove(lockSidecar(path))
}
