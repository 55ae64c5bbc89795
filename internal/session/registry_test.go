package session

import (
	"os"
	"testing"
	"time"

	"github.com/apify/mcpc/internal/testutil"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	testutil.SetupTestHome(t)
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

func TestRegistry_SaveAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	rec := &Record{
		Name:       "@x",
		Server:     ServerDescriptor{HTTP: &HTTPServer{URL: "https://mcp.example.com"}},
		SocketPath: "/tmp/x.sock",
		Status:     StatusActive,
		CreatedAt:  time.Now(),
		LastSeenAt: time.Now(),
	}
	if err := reg.Save("@x", rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := reg.Get("@x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Name != "@x" {
		t.Fatalf("Get returned %+v", got)
	}
}

func TestRegistry_GetMissingReturnsNil(t *testing.T) {
	reg := newTestRegistry(t)

	got, err := reg.Get("@missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestRegistry_Update(t *testing.T) {
	reg := newTestRegistry(t)

	rec := &Record{Name: "@x", Status: StatusActive, PID: 111}
	if err := reg.Save("@x", rec); err != nil {
		t.Fatal(err)
	}

	err := reg.Update("@x", func(r *Record) {
		r.PID = 222
		r.LastSeenAt = time.Now()
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := reg.Get("@x")
	if err != nil {
		t.Fatal(err)
	}
	if got.PID != 222 {
		t.Errorf("PID: got %d, want 222", got.PID)
	}
}

func TestRegistry_UpdateMissingReturnsErrNotFound(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.Update("@ghost", func(r *Record) {})
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_Delete(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Save("@x", &Record{Name: "@x"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Delete("@x"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := reg.Get("@x")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil after delete, got %+v", got)
	}
}

func TestRegistry_Load(t *testing.T) {
	reg := newTestRegistry(t)

	for _, name := range []string{"@a", "@b", "@c"} {
		if err := reg.Save(name, &Record{Name: name}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := reg.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 records, got %d", len(all))
	}
}

func TestRegistry_ConsolidateMarksDeadBridge(t *testing.T) {
	reg := newTestRegistry(t)

	// PID 0 means "no process" -> dead-bridge immediately.
	if err := reg.Save("@dead", &Record{Name: "@dead", Status: StatusActive, PID: 0}); err != nil {
		t.Fatal(err)
	}

	counts, err := reg.Consolidate(false, nil)
	if err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}
	if counts.DeadBridges != 1 {
		t.Errorf("DeadBridges: got %d, want 1", counts.DeadBridges)
	}

	got, err := reg.Get("@dead")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusDeadBridge {
		t.Errorf("status: got %q, want %q", got.Status, StatusDeadBridge)
	}
}

func TestRegistry_ConsolidateDestructivePurgesExpired(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Save("@old", &Record{Name: "@old", Status: StatusExpired}); err != nil {
		t.Fatal(err)
	}

	counts, err := reg.Consolidate(true, nil)
	if err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}
	if counts.ExpiredSessions != 1 {
		t.Errorf("ExpiredSessions: got %d, want 1", counts.ExpiredSessions)
	}

	got, err := reg.Get("@old")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected @old purged, got %+v", got)
	}
}

func TestRegistry_ConsolidateNonDestructiveKeepsExpired(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Save("@old", &Record{Name: "@old", Status: StatusExpired}); err != nil {
		t.Fatal(err)
	}

	counts, err := reg.Consolidate(false, nil)
	if err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}
	if counts.ExpiredSessions != 0 {
		t.Errorf("ExpiredSessions: got %d, want 0 (non-destructive)", counts.ExpiredSessions)
	}

	got, err := reg.Get("@old")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Error("expected @old to survive a non-destructive consolidate")
	}
}

func TestRegistry_CorruptFileQuarantined(t *testing.T) {
	testutil.SetupTestHome(t)
	reg, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(reg.path, []byte("{not valid json"), 0600); err != nil {
		t.Fatal(err)
	}

	all, err := reg.Load()
	if err != nil {
		t.Fatalf("Load on corrupt file should recover empty, got error: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expected empty registry, got %d records", len(all))
	}

	matches, err := os.ReadDir(reg.path[:len(reg.path)-len("sessions.json")])
	if err != nil {
		t.Fatal(err)
	}
	foundQuarantine := false
	for _, m := range matches {
		if len(m.Name()) > len("sessions.json.corrupt-") && m.Name()[:len("sessions.json.corrupt-")] == "sessions.json.corrupt-" {
			foundQuarantine = true
		}
	}
	if !foundQuarantine {
		t.Error("expected a sessions.json.corrupt-<ts> file to be written")
	}
}
