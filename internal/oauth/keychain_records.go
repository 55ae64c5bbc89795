package oauth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/apify/mcpc/internal/keychain"
)

// StoredTokens is the JSON blob kept under auth:<host>:<profile>:tokens.
// It is the only place token material touches persistent storage.
type StoredTokens struct {
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// StoredClient is the JSON blob kept under auth:<host>:<profile>:client:
// the dynamic registration result plus the endpoints refresh needs, so a
// bridge can refresh without re-running discovery.
type StoredClient struct {
	ClientID      string `json:"clientId"`
	ClientSecret  string `json:"clientSecret,omitempty"`
	TokenEndpoint string `json:"tokenEndpoint"`
	Issuer        string `json:"issuer,omitempty"`
}

// LoadStoredTokens reads the token blob for a profile. Returns nil if
// nothing is stored.
func LoadStoredTokens(store keychain.Store, host, profile string) (*StoredTokens, error) {
	blob, err := store.Get(keychain.NamespaceAuthTokens, keychain.TokensKey(host, profile))
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	var tokens StoredTokens
	if err := json.Unmarshal(blob, &tokens); err != nil {
		return nil, fmt.Errorf("parse stored tokens for %s/%s: %w", host, profile, err)
	}
	return &tokens, nil
}

// SaveStoredTokens persists the token blob for a profile.
func SaveStoredTokens(store keychain.Store, host, profile string, tokens *StoredTokens) error {
	blob, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	return store.Put(keychain.NamespaceAuthTokens, keychain.TokensKey(host, profile), blob)
}

// LoadStoredClient reads the client registration blob for a profile.
// Returns nil if nothing is stored.
func LoadStoredClient(store keychain.Store, host, profile string) (*StoredClient, error) {
	blob, err := store.Get(keychain.NamespaceAuthClient, keychain.ClientKey(host, profile))
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	var client StoredClient
	if err := json.Unmarshal(blob, &client); err != nil {
		return nil, fmt.Errorf("parse stored client for %s/%s: %w", host, profile, err)
	}
	return &client, nil
}

// SaveStoredClient persists the client registration blob for a profile.
func SaveStoredClient(store keychain.Store, host, profile string, client *StoredClient) error {
	blob, err := json.Marshal(client)
	if err != nil {
		return err
	}
	return store.Put(keychain.NamespaceAuthClient, keychain.ClientKey(host, profile), blob)
}
