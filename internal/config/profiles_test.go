package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apify/mcpc/internal/testutil"
)

func testProfile(name, serverURL string) *AuthProfile {
	now := time.Now().UTC().Truncate(time.Second)
	return &AuthProfile{
		Name:            name,
		ServerURL:       serverURL,
		OAuthIssuer:     "https://auth.example.com",
		Scopes:          []string{"mcp:tools"},
		CreatedAt:       now,
		AuthenticatedAt: now,
	}
}

func TestProfileStore_SaveGetRoundTrip(t *testing.T) {
	testutil.SetupTestHome(t)

	store, err := NewProfileStore()
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}

	p := testProfile("default", "https://mcp.example.com")
	if err := store.Save(p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get("https://mcp.example.com", "default")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for saved profile")
	}
	if got.Name != "default" || got.OAuthIssuer != p.OAuthIssuer {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestProfileStore_CanonicalHostKeying(t *testing.T) {
	testutil.SetupTestHome(t)

	store, err := NewProfileStore()
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}

	if err := store.Save(testProfile("default", "https://mcp.example.com:443/mcp")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Same host spelled differently resolves to the same profile.
	got, err := store.Get("https://mcp.example.com", "default")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("default port and path should not change the profile key")
	}
}

func TestProfileStore_GetMissing(t *testing.T) {
	testutil.SetupTestHome(t)

	store, err := NewProfileStore()
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}

	got, err := store.Get("https://mcp.example.com", "nope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get missing = %+v, want nil", got)
	}
}

func TestProfileStore_Delete(t *testing.T) {
	testutil.SetupTestHome(t)

	store, err := NewProfileStore()
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}

	if err := store.Save(testProfile("default", "https://mcp.example.com")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete("https://mcp.example.com", "default"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := store.Get("https://mcp.example.com", "default")
	if err != nil {
		t.Fatalf("Get after delete failed: %v", err)
	}
	if got != nil {
		t.Error("profile should be gone after Delete")
	}

	// Double delete is a no-op.
	if err := store.Delete("https://mcp.example.com", "default"); err != nil {
		t.Errorf("second Delete should be a no-op, got: %v", err)
	}
}

func TestProfileStore_ListSorted(t *testing.T) {
	testutil.SetupTestHome(t)

	store, err := NewProfileStore()
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}

	for _, p := range []*AuthProfile{
		testProfile("work", "https://b.example.com"),
		testProfile("default", "https://b.example.com"),
		testProfile("default", "https://a.example.com"),
	} {
		if err := store.Save(p); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d profiles, want 3", len(list))
	}
	if list[0].ServerURL != "https://a.example.com" {
		t.Errorf("list[0] = %s, want a.example.com first", list[0].ServerURL)
	}
	if list[1].Name != "default" || list[2].Name != "work" {
		t.Errorf("profiles for one host should sort by name: %s, %s", list[1].Name, list[2].Name)
	}
}

func TestProfileStore_CorruptFileQuarantined(t *testing.T) {
	home := testutil.SetupTestHome(t)

	testutil.WriteTestFile(t, "profiles.json", "{not json")

	store, err := NewProfileStore()
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("List on corrupt file failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("corrupt file should read as empty, got %d profiles", len(list))
	}

	matches, _ := filepath.Glob(filepath.Join(home, "profiles.json.corrupt-*"))
	if len(matches) == 0 {
		t.Error("corrupt file should be preserved with a .corrupt- suffix")
	}
}

func TestWatcher_SeesAtomicRewrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sessions.json")
	if err := os.WriteFile(target, []byte(`{}`), 0600); err != nil {
		t.Fatal(err)
	}

	changed := make(chan string, 1)
	w := NewWatcher(dir, []string{"sessions.json"}, func(name string) {
		select {
		case changed <- name:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to register.
	time.Sleep(200 * time.Millisecond)

	// Atomic write: temp file then rename, like filelock.Atomic.
	tmp := filepath.Join(dir, "sessions.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"sessions":{}}`), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, target); err != nil {
		t.Fatal(err)
	}

	select {
	case name := <-changed:
		if name != "sessions.json" {
			t.Errorf("changed file = %q, want sessions.json", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not observe the atomic rewrite")
	}
}
