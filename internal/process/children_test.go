package process

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/apify/mcpc/internal/paths"
	"github.com/apify/mcpc/internal/session"
	"github.com/apify/mcpc/internal/testutil"
)

// trackedChild reads one entry back through the tracker's own document.
func trackedChild(t *testing.T, tracker *ChildTracker, name string) *ChildRecord {
	t.Helper()
	doc, err := tracker.readDoc()
	if err != nil {
		t.Fatalf("read tracker doc: %v", err)
	}
	return doc.Children[name]
}

func TestChildTracker_RecordAndForget(t *testing.T) {
	testutil.SetupTestHome(t)

	tracker, err := NewChildTracker()
	if err != nil {
		t.Fatalf("NewChildTracker failed: %v", err)
	}

	if err := tracker.Record("@x", 12345, "mcp-server"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	// A second tracker instance sees the entry: state lives in the file,
	// not in memory, since each bridge process opens its own tracker.
	other, err := NewChildTracker()
	if err != nil {
		t.Fatalf("NewChildTracker (reopen) failed: %v", err)
	}
	entry := trackedChild(t, other, "@x")
	if entry == nil {
		t.Fatal("entry not visible to a second tracker instance")
	}
	if entry.PID != 12345 || entry.Command != "mcp-server" {
		t.Errorf("entry = %+v", entry)
	}

	if err := other.Forget("@x"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if trackedChild(t, tracker, "@x") != nil {
		t.Error("entry should be gone after Forget")
	}

	// Forgetting a missing entry is a no-op.
	if err := tracker.Forget("@x"); err != nil {
		t.Errorf("second Forget should be a no-op, got: %v", err)
	}
}

func newTestRegistry(t *testing.T) *session.Registry {
	t.Helper()
	registry, err := session.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return registry
}

func saveSessionWithPID(t *testing.T, registry *session.Registry, name string, pid int) {
	t.Helper()
	err := registry.Save(name, &session.Record{
		Name:       name,
		Server:     session.ServerDescriptor{Stdio: &session.StdioServer{Command: "mcp-server"}},
		PID:        pid,
		SocketPath: "/tmp/" + name[1:] + ".sock",
		Status:     session.StatusActive,
		CreatedAt:  time.Now().UTC(),
		LastSeenAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed session %s: %v", name, err)
	}
}

func TestCleanupOrphans_DropsDeadChildren(t *testing.T) {
	testutil.SetupTestHome(t)
	registry := newTestRegistry(t)

	tracker, err := NewChildTracker()
	if err != nil {
		t.Fatalf("NewChildTracker failed: %v", err)
	}
	if err := tracker.Record("@gone", 99999999, "mcp-server"); err != nil {
		t.Fatal(err)
	}

	if killed := tracker.CleanupOrphans(registry); killed != 0 {
		t.Errorf("killed = %d, want 0 for an already-dead child", killed)
	}
	if trackedChild(t, tracker, "@gone") != nil {
		t.Error("dead child entry should be pruned")
	}
}

func TestCleanupOrphans_SparesOwnedChild(t *testing.T) {
	testutil.SetupTestHome(t)
	registry := newTestRegistry(t)

	// This test process stands in for both the live child and the live
	// bridge that owns it.
	saveSessionWithPID(t, registry, "@owned", os.Getpid())

	tracker, err := NewChildTracker()
	if err != nil {
		t.Fatalf("NewChildTracker failed: %v", err)
	}
	if err := tracker.Record("@owned", os.Getpid(), "mcp-server"); err != nil {
		t.Fatal(err)
	}

	if killed := tracker.CleanupOrphans(registry); killed != 0 {
		t.Errorf("killed = %d, want 0 while the bridge is alive", killed)
	}
	if trackedChild(t, tracker, "@owned") == nil {
		t.Error("owned child must stay tracked")
	}
}

func TestCleanupOrphans_KillsOrphanedChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep(1) and SIGTERM")
	}
	testutil.SetupTestHome(t)
	registry := newTestRegistry(t)

	// A live child whose session record shows a dead bridge pid. Reap in
	// the background so the pid doesn't linger as a zombie and defeat
	// the liveness probe below.
	child := exec.Command("sleep", "60")
	if err := child.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	go func() { _ = child.Wait() }()
	t.Cleanup(func() { _ = child.Process.Kill() })

	saveSessionWithPID(t, registry, "@orphan", 99999999)

	tracker, err := NewChildTracker()
	if err != nil {
		t.Fatalf("NewChildTracker failed: %v", err)
	}
	if err := tracker.Record("@orphan", child.Process.Pid, "sleep"); err != nil {
		t.Fatal(err)
	}

	if killed := tracker.CleanupOrphans(registry); killed != 1 {
		t.Errorf("killed = %d, want 1", killed)
	}
	if trackedChild(t, tracker, "@orphan") != nil {
		t.Error("orphan entry should be pruned after termination")
	}

	// SIGTERM delivery is asynchronous; give the child a moment to die.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && paths.IsProcessAlive(child.Process.Pid) {
		time.Sleep(20 * time.Millisecond)
	}
	if paths.IsProcessAlive(child.Process.Pid) {
		t.Error("orphan child still alive after cleanup")
	}
}
