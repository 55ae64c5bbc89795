//go:build !windows

package filelock

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// lock holds an acquired flock(2) exclusive lock plus the sidecar file that
// records its owning PID for stale-lock detection by peers.
type lock struct {
	f *os.File
}

func lockSidecar(path string) string {
	return path + ".lock"
}

// tryLock attempts a non-blocking exclusive flock on path's sidecar file.
func tryLock(path string) (*lock, error) {
	f, err := os.OpenFile(lockSidecar(path), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	return &lock{f: f}, nil
}

func (l *lock) release() {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
}

// lockOwnerPID reads the PID recorded by the current holder of path's lock,
// if any. It opens the sidecar read-only; flock is advisory, so reading
// never blocks on the holder's exclusive lock.
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
