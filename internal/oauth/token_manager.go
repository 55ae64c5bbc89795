package oauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshSkew is the clock-skew window: a token within this much of
// expiry is treated as already due for refresh.
const refreshSkew = 30 * time.Second

// TokenSnapshot is the small piece of token state exchanged with the
// keychain via the onBeforeRefresh/onTokenRefresh callbacks.
type TokenSnapshot struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (s TokenSnapshot) empty() bool {
	return s.AccessToken == "" && s.RefreshToken == ""
}

// RefreshManagerConfig configures a RefreshManager for one profile.
type RefreshManagerConfig struct {
	ServerURL     string
	ProfileName   string
	ClientID      string
	ClientSecret  string
	TokenEndpoint string

	// RefreshToken and AccessToken seed the in-memory state; AccessToken
	// may be empty if only a refresh token was supplied over IPC.
	RefreshToken         string
	AccessToken          string
	AccessTokenExpiresAt time.Time

	// OnBeforeRefresh returns the latest tokens from the keychain, or a
	// zero TokenSnapshot if nothing is stored there yet.
	OnBeforeRefresh func() (TokenSnapshot, error)
	// OnTokenRefresh persists rotated tokens to the keychain.
	OnTokenRefresh func(TokenSnapshot) error
}

// RefreshManager is the OAuth token manager: it holds one refresh
// token in memory and produces a valid access token on demand, with
// single-flight refresh and keychain-mediated rotation across peer
// bridge processes holding the same profile.
type RefreshManager struct {
	cfg   RefreshManagerConfig
	group singleflight.Group

	accessToken          string
	accessTokenExpiresAt time.Time
	refreshToken         string
}

// NewRefreshManager constructs a token manager seeded with the tokens a
// bridge received over its set-auth-credentials IPC message.
func NewRefreshManager(cfg RefreshManagerConfig) *RefreshManager {
	return &RefreshManager{
		cfg:                  cfg,
		accessToken:          cfg.AccessToken,
		accessTokenExpiresAt: cfg.AccessTokenExpiresAt,
		refreshToken:         cfg.RefreshToken,
	}
}

// NonRetryableAuthError wraps a 4xx response from the token endpoint;
// the bridge daemon treats this as a session-expiry signal.
type NonRetryableAuthError struct {
	StatusCode int
	Body       string
}

func (e *NonRetryableAuthError) Error() string {
	return fmt.Sprintf("token refresh rejected by issuer: HTTP %d: %s", e.StatusCode, e.Body)
}

// GetValidAccessToken returns a usable access token: the cached one if
// it has more than refreshSkew of life left, otherwise the result of a
// single-flight refresh.
func (m *RefreshManager) GetValidAccessToken(ctx context.Context) (string, error) {
	if m.accessToken != "" && time.Now().Add(refreshSkew).Before(m.accessTokenExpiresAt) {
		return m.accessToken, nil
	}

	v, err, _ := m.group.Do(m.cfg.ProfileName, func() (interface{}, error) {
		return m.refreshLocked(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refreshLocked runs inside the single-flight critical section: it first
// gives a peer bridge's already-rotated tokens a chance to satisfy the
// request for free, then falls back to a network refresh.
func (m *RefreshManager) refreshLocked(ctx context.Context) (string, error) {
	if m.accessToken != "" && time.Now().Add(refreshSkew).Before(m.accessTokenExpiresAt) {
		// Another caller in this process already refreshed while we
		// waited for the single-flight slot.
		return m.accessToken, nil
	}

	if m.cfg.OnBeforeRefresh != nil {
		snap, err := m.cfg.OnBeforeRefresh()
		if err != nil {
			log.Printf("oauth: reload tokens from keychain failed (will refresh over network): %v", err)
		} else if !snap.empty() && snap.ExpiresAt.After(m.accessTokenExpiresAt) {
			log.Printf("oauth: token rotation detected, adopting keychain tokens for profile %s", m.cfg.ProfileName)
			m.adopt(snap)
			return m.accessToken, nil
		} else {
			log.Printf("oauth: loaded tokens from keychain for profile %s", m.cfg.ProfileName)
		}
	}

	if m.refreshToken == "" {
		return "", errors.New("oauth: no refresh token available")
	}

	tokens, err := m.refreshOverNetwork(ctx)
	if err != nil {
		return "", err
	}

	expiresAt := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	if tokens.ExpiresIn == 0 {
		// Issuer omitted expires_in; fall back to the token's own exp
		// claim when it happens to be a JWT.
		expiresAt = peekExpiry(tokens.AccessToken)
	}

	snap := TokenSnapshot{
		AccessToken:  tokens.AccessToken,
		RefreshToken: m.refreshToken,
		ExpiresAt:    expiresAt,
	}
	if tokens.RefreshToken != "" {
		snap.RefreshToken = tokens.RefreshToken
	}
	m.adopt(snap)

	if m.cfg.OnTokenRefresh != nil {
		if err := m.cfg.OnTokenRefresh(snap); err != nil {
			log.Printf("oauth: failed to persist refreshed token to keychain (re-login required on restart): %v", err)
		}
	}

	return m.accessToken, nil
}

func (m *RefreshManager) adopt(snap TokenSnapshot) {
	m.accessToken = snap.AccessToken
	m.accessTokenExpiresAt = snap.ExpiresAt
	if snap.RefreshToken != "" {
		m.refreshToken = snap.RefreshToken
	}
}

// refreshOverNetwork retries transient network failures with exponential
// backoff (1s, 2s, 4s) up to 3 attempts; a 4xx from the issuer is
// non-retryable.
func (m *RefreshManager) refreshOverNetwork(ctx context.Context) (*TokenResponse, error) {
	backoff := time.Second
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		tokens, err := RefreshToken(ctx, m.cfg.TokenEndpoint, m.cfg.ClientID, m.cfg.ClientSecret, m.refreshToken, nil)
		if err == nil {
			return tokens, nil
		}

		if authErr := asNonRetryable(err); authErr != nil {
			return nil, authErr
		}

		lastErr = err
		if attempt < 2 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("refresh token after 3 attempts: %w", lastErr)
}

// asNonRetryable classifies doTokenRequest's "token endpoint returned HTTP
// %d" errors: 4xx is the issuer rejecting the refresh token outright.
func asNonRetryable(err error) *NonRetryableAuthError {
	msg := err.Error()
	const marker = "token endpoint returned HTTP "
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return nil
	}
	var code int
	if _, scanErr := fmt.Sscanf(msg[idx+len(marker):], "%d", &code); scanErr != nil {
		return nil
	}
	if code < http.StatusBadRequest || code >= http.StatusInternalServerError {
		return nil
	}
	return &NonRetryableAuthError{StatusCode: code, Body: msg}
}

// SecondsUntilExpiry reports remaining access-token life, for diagnostics.
func (m *RefreshManager) SecondsUntilExpiry() int64 {
	if m.accessTokenExpiresAt.IsZero() {
		return 0
	}
	return int64(time.Until(m.accessTokenExpiresAt).Seconds())
}
