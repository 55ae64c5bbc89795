// Package filelock provides an advisory exclusive lock around a named file,
// with stale-lock recovery and atomic-write helpers. Writes go to a temp
// file in the same directory and rename over the target; locking is
// flock(2) via golang.org/x/sys on a sidecar file, so renaming the target
// never orphans the lock's inode.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apify/mcpc/internal/paths"
)

// AcquireTimeout is the total deadline for acquiring a lock.
const AcquireTimeout = 5 * time.Second

// ClientError indicates a lock could not be acquired within the deadline.
type ClientError struct {
	Path string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("timed out acquiring lock on %s after %s", e.Path, AcquireTimeout)
}

// WithLock acquires an exclusive advisory lock on path, creating it with
// defaultContent and mode 0600 if it doesn't exist, then runs fn. The body
// runs to completion (including on panic, via the deferred Unlock) before
// the lock is released. fn must not perform network I/O or spawn children;
// it may call Atomic to write the file back out.
func WithLock(path string, defaultContent []byte, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	l, err := acquire(path, defaultContent)
	if err != nil {
		return err
	}
	defer l.release()

	return fn()
}

// acquire opens (creating with defaultContent if absent) and locks path,
// breaking any stale lock left by a dead process, within AcquireTimeout.
func acquire(path string, defaultContent []byte) (*lock, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Atomic(path, defaultContent); err != nil {
			return nil, fmt.Errorf("seed lock file: %w", err)
		}
	}

	deadline := time.Now().Add(AcquireTimeout)
	backoff := 10 * time.Millisecond
	var lastErr error
	for time.Now().Before(deadline) {
		l, err := tryLock(path)
		if err == nil {
			return l, nil
		}
		lastErr = err

		if owner, ok := lockOwnerPID(path); ok && !paths.IsProcessAlive(owner) {
			// Stale lock: the owning process is gone. Breaking it is safe
			// because flock releases automatically when its holder's file
			// descriptor closes (crash or otherwise), so a live competing
			// holder never loses its lock here — only a dead one's trace
			// metadata is cleared.
			clearLockOwner(path)
			continue
		}

		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}

	_ = lastErr
	return nil, &ClientError{Path: path}
}

// Atomic writes data to path via a unique temp file in the same directory,
// fsync, then rename over the target. Never call this while holding a lock
// obtained from a different path (renames are local and don't need one),
// but it is the only filesystem mutation WithLock's fn should perform while
// already holding the path's own lock.
func Atomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
