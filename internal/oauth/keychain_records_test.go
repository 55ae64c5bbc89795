package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/apify/mcpc/internal/keychain"
)

// memStore is an in-memory keychain.Store for tests.
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (m *memStore) key(ns keychain.Namespace, key string) string {
	return string(ns) + "/" + key
}

func (m *memStore) Get(ns keychain.Namespace, key string) ([]byte, error) {
	return m.data[m.key(ns, key)], nil
}

func (m *memStore) Put(ns keychain.Namespace, key string, blob []byte) error {
	m.data[m.key(ns, key)] = blob
	return nil
}

func (m *memStore) Delete(ns keychain.Namespace, key string) error {
	delete(m.data, m.key(ns, key))
	return nil
}

func TestStoredTokens_RoundTrip(t *testing.T) {
	store := newMemStore()

	want := &StoredTokens{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	if err := SaveStoredTokens(store, "mcp.example.com", "default", want); err != nil {
		t.Fatalf("SaveStoredTokens failed: %v", err)
	}

	got, err := LoadStoredTokens(store, "mcp.example.com", "default")
	if err != nil {
		t.Fatalf("LoadStoredTokens failed: %v", err)
	}
	if got == nil || got.AccessToken != "at-1" || got.RefreshToken != "rt-1" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func TestLoadStoredTokens_Missing(t *testing.T) {
	got, err := LoadStoredTokens(newMemStore(), "mcp.example.com", "default")
	if err != nil {
		t.Fatalf("LoadStoredTokens failed: %v", err)
	}
	if got != nil {
		t.Errorf("missing tokens should be nil, got %+v", got)
	}
}

func TestStoredClient_RoundTrip(t *testing.T) {
	store := newMemStore()

	want := &StoredClient{
		ClientID:      "client-1",
		TokenEndpoint: "https://auth.example.com/token",
		Issuer:        "https://auth.example.com",
	}
	if err := SaveStoredClient(store, "mcp.example.com", "default", want); err != nil {
		t.Fatalf("SaveStoredClient failed: %v", err)
	}

	got, err := LoadStoredClient(store, "mcp.example.com", "default")
	if err != nil {
		t.Fatalf("LoadStoredClient failed: %v", err)
	}
	if got == nil || got.ClientID != "client-1" || got.TokenEndpoint != want.TokenEndpoint {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestLogout_RemovesTokensAndClient(t *testing.T) {
	store := newMemStore()

	if err := SaveStoredTokens(store, "mcp.example.com", "default", &StoredTokens{RefreshToken: "rt"}); err != nil {
		t.Fatal(err)
	}
	if err := SaveStoredClient(store, "mcp.example.com", "default", &StoredClient{ClientID: "c"}); err != nil {
		t.Fatal(err)
	}

	if err := Logout(store, "https://mcp.example.com", "default"); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	if got, _ := LoadStoredTokens(store, "mcp.example.com", "default"); got != nil {
		t.Error("tokens should be gone after Logout")
	}
	if got, _ := LoadStoredClient(store, "mcp.example.com", "default"); got != nil {
		t.Error("client registration should be gone after Logout")
	}
}

// unsignedJWT fabricates an unsigned JWT carrying the given exp claim.
func unsignedJWT(t *testing.T, exp int64) string {
	t.Helper()
	encode := func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(data)
	}
	header := encode(map[string]string{"alg": "none", "typ": "JWT"})
	claims := encode(map[string]int64{"exp": exp})
	return fmt.Sprintf("%s.%s.", header, claims)
}

func TestPeekExpiry_JWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Unix()
	got := peekExpiry(unsignedJWT(t, exp))
	if got.Unix() != exp {
		t.Errorf("peekExpiry = %v, want unix %d", got, exp)
	}
}

func TestPeekExpiry_OpaqueToken(t *testing.T) {
	if got := peekExpiry("not-a-jwt-at-all"); !got.IsZero() {
		t.Errorf("opaque token should yield zero time, got %v", got)
	}
}
