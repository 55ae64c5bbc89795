package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRefreshManager_ReturnsCachedTokenWithoutRefresh(t *testing.T) {
	var calls int32
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		t.Error("token endpoint should not be called")
	})

	m := NewRefreshManager(RefreshManagerConfig{
		TokenEndpoint:        srv.URL,
		AccessToken:          "still-valid",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
		RefreshToken:         "rt",
	})

	got, err := m.GetValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if got != "still-valid" {
		t.Errorf("got %q, want %q", got, "still-valid")
	}
	if calls != 0 {
		t.Errorf("expected no network refresh, got %d calls", calls)
	}
}

func TestRefreshManager_RefreshesOverNetworkWhenExpiring(t *testing.T) {
	var calls int32
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			ExpiresIn:    3600,
		})
	})

	var persisted TokenSnapshot
	m := NewRefreshManager(RefreshManagerConfig{
		TokenEndpoint:        srv.URL,
		AccessToken:          "about-to-expire",
		AccessTokenExpiresAt: time.Now().Add(5 * time.Second),
		RefreshToken:         "rt",
		OnTokenRefresh: func(s TokenSnapshot) error {
			persisted = s
			return nil
		},
	})

	got, err := m.GetValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if got != "new-access" {
		t.Errorf("got %q, want %q", got, "new-access")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 network refresh, got %d", calls)
	}
	if persisted.AccessToken != "new-access" || persisted.RefreshToken != "new-refresh" {
		t.Errorf("OnTokenRefresh got %+v", persisted)
	}
}

func TestRefreshManager_AdoptsPeerRotationWithoutNetworkCall(t *testing.T) {
	var calls int32
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		t.Error("token endpoint should not be called when keychain already has a newer token")
	})

	rotatedAt := time.Now().Add(time.Hour)
	m := NewRefreshManager(RefreshManagerConfig{
		TokenEndpoint:        srv.URL,
		AccessToken:          "stale",
		AccessTokenExpiresAt: time.Now().Add(5 * time.Second),
		RefreshToken:         "rt",
		OnBeforeRefresh: func() (TokenSnapshot, error) {
			return TokenSnapshot{
				AccessToken:  "rotated-by-peer",
				RefreshToken: "rt-rotated",
				ExpiresAt:    rotatedAt,
			}, nil
		},
	})

	got, err := m.GetValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if got != "rotated-by-peer" {
		t.Errorf("got %q, want %q", got, "rotated-by-peer")
	}
	if calls != 0 {
		t.Errorf("expected no network refresh, got %d calls", calls)
	}
}

func TestRefreshManager_NonRetryable4xxFailsFast(t *testing.T) {
	var calls int32
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid_grant"))
	})

	m := NewRefreshManager(RefreshManagerConfig{
		TokenEndpoint:        srv.URL,
		AccessTokenExpiresAt: time.Now().Add(-time.Hour),
		RefreshToken:         "rt",
	})

	_, err := m.GetValidAccessToken(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var authErr *NonRetryableAuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *NonRetryableAuthError, got %T: %v", err, err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 attempt (non-retryable), got %d", calls)
	}
}

func TestRefreshManager_SingleFlightAcrossConcurrentCallers(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "new-access",
			ExpiresIn:   3600,
		})
	})

	m := NewRefreshManager(RefreshManagerConfig{
		TokenEndpoint:        srv.URL,
		AccessTokenExpiresAt: time.Now().Add(-time.Hour),
		RefreshToken:         "rt",
	})

	var wg sync.WaitGroup
	results := make([]string, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = m.GetValidAccessToken(context.Background())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected exactly 1 network refresh across 5 concurrent callers, got %d", calls)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
		if results[i] != "new-access" {
			t.Errorf("caller %d got %q", i, results[i])
		}
	}
}
