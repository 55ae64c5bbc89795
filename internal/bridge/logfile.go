package bridge

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/apify/mcpc/internal/paths"
	"github.com/apify/mcpc/internal/session"
)

// NewSessionLogger opens the rotating file logger for a session's bridge:
// 10 MB per file, 5 files kept. The returned closer flushes the logger
// during shutdown.
func NewSessionLogger(name string, verbose bool) (*log.Logger, io.Closer, error) {
	logPath, err := paths.LogPath(name)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, nil, err
	}

	w := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
	}

	flags := log.LstdFlags
	if verbose {
		flags |= log.Lshortfile
	}
	return log.New(w, "", flags), w, nil
}

// CleanupOrphanLogs removes log files whose session no longer exists in
// the registry. Best-effort: failures are logged, never fatal, and it
// runs asynchronously after startup so it cannot block readiness.
func CleanupOrphanLogs(registry *session.Registry, logger *log.Logger) {
	dir, err := paths.LogsDir()
	if err != nil {
		logger.Printf("log GC: resolve logs dir: %v", err)
		return
	}

	records, err := registry.Load()
	if err != nil {
		logger.Printf("log GC: load registry: %v", err)
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Printf("log GC: read logs dir: %v", err)
		}
		return
	}

	removed := 0
	for _, e := range entries {
		base := e.Name()
		// bridge-<name>.log plus lumberjack's rotated variants
		// (bridge-<name>-<timestamp>.log).
		if !strings.HasPrefix(base, "bridge-") || !strings.HasSuffix(base, ".log") {
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimPrefix(base, "bridge-"), ".log")
		if _, ok := records["@"+trimmed]; ok {
			continue
		}
		// Session names may themselves contain dashes, so a rotated
		// backup is recognized by a live name prefix, not by splitting.
		owned := false
		for recName := range records {
			if strings.HasPrefix(trimmed, recName[1:]+"-") {
				owned = true
				break
			}
		}
		if owned {
			continue
		}
		if err := os.Remove(filepath.Join(dir, base)); err != nil {
			logger.Printf("log GC: remove %s: %v", base, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Printf("log GC: removed %d orphan log file(s)", removed)
	}
}
