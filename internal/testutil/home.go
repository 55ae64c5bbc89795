// Package testutil provides common test utilities.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// SetupTestHome creates an isolated mcpc home directory for tests, via
// MCPC_HOME_DIR rather than $HOME: the session registry, profile store,
// bridge sockets, and rotating logs all live under it, and orphan/consolidate
// passes must never touch a real user's files.
//
// The temp directory is automatically cleaned up when the test ends.
func SetupTestHome(t *testing.T) string {
	t.Helper()

	tmpHome := t.TempDir()
	t.Setenv("MCPC_HOME_DIR", tmpHome)

	if err := os.MkdirAll(tmpHome, 0700); err != nil {
		t.Fatalf("create test home dir: %v", err)
	}

	return tmpHome
}

// WriteTestFile writes a file into the isolated mcpc home directory set up
// by SetupTestHome, creating parent directories as needed.
func WriteTestFile(t *testing.T, relPath, content string) string {
	t.Helper()

	home := os.Getenv("MCPC_HOME_DIR")
	if home == "" {
		t.Fatal("MCPC_HOME_DIR not set - call SetupTestHome first")
	}

	full := filepath.Join(home, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		t.Fatalf("create dir for %s: %v", relPath, err)
	}
	if err := os.WriteFile(full, []byte(content), 0600); err != nil {
		t.Fatalf("write test file %s: %v", relPath, err)
	}

	return full
}
