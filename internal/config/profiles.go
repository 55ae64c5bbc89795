// Package config persists mcpc's non-secret configuration documents: the
// OAuth profile metadata in profiles.json, and a watcher that lets
// long-lived processes notice out-of-process writes to the home
// directory's documents.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/apify/mcpc/internal/filelock"
	"github.com/apify/mcpc/internal/keychain"
	"github.com/apify/mcpc/internal/paths"
)

// AuthProfile is the persisted metadata for one OAuth credential set.
// No token material ever appears here; tokens live exclusively in the
// keychain under the profile's keys.
type AuthProfile struct {
	Name            string     `json:"name"`
	ServerURL       string     `json:"serverUrl"`
	OAuthIssuer     string     `json:"oauthIssuer,omitempty"`
	Scopes          []string   `json:"scopes,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	AuthenticatedAt time.Time  `json:"authenticatedAt"`
	RefreshedAt     *time.Time `json:"refreshedAt,omitempty"`
}

// profilesDoc is the on-disk shape of profiles.json: canonical host →
// profile name → profile.
type profilesDoc struct {
	Profiles map[string]map[string]*AuthProfile `json:"profiles"`
}

// ProfileStore is the durable AuthProfile registry. All mutating
// operations go through the file lock, mirroring the session registry.
type ProfileStore struct {
	path string
}

// NewProfileStore opens the profile store rooted at mcpc's home
// directory.
func NewProfileStore() (*ProfileStore, error) {
	path, err := paths.ProfilesFile()
	if err != nil {
		return nil, err
	}
	return &ProfileStore{path: path}, nil
}

var emptyProfilesDoc = []byte(`{"profiles":{}}`)

// Get returns the profile for (serverURL's canonical host, name), or nil
// if none exists.
func (s *ProfileStore) Get(serverURL, name string) (*AuthProfile, error) {
	host, err := keychain.CanonicalHost(serverURL)
	if err != nil {
		return nil, err
	}

	var out *AuthProfile
	err = filelock.WithLock(s.path, emptyProfilesDoc, func() error {
		doc, err := s.readDoc()
		if err != nil {
			return err
		}
		out = doc.Profiles[host][name]
		return nil
	})
	return out, err
}

// Save inserts or overwrites a profile, keyed by its server's canonical
// host and its name.
func (s *ProfileStore) Save(profile *AuthProfile) error {
	host, err := keychain.CanonicalHost(profile.ServerURL)
	if err != nil {
		return err
	}

	return filelock.WithLock(s.path, emptyProfilesDoc, func() error {
		doc, err := s.readDoc()
		if err != nil {
			return err
		}
		if doc.Profiles[host] == nil {
			doc.Profiles[host] = map[string]*AuthProfile{}
		}
		doc.Profiles[host][profile.Name] = profile
		return s.writeDoc(doc)
	})
}

// Delete removes a profile. No-op if it doesn't exist.
func (s *ProfileStore) Delete(serverURL, name string) error {
	host, err := keychain.CanonicalHost(serverURL)
	if err != nil {
		return err
	}

	return filelock.WithLock(s.path, emptyProfilesDoc, func() error {
		doc, err := s.readDoc()
		if err != nil {
			return err
		}
		delete(doc.Profiles[host], name)
		if len(doc.Profiles[host]) == 0 {
			delete(doc.Profiles, host)
		}
		return s.writeDoc(doc)
	})
}

// List returns every profile, sorted by server URL then name.
func (s *ProfileStore) List() ([]*AuthProfile, error) {
	var out []*AuthProfile
	err := filelock.WithLock(s.path, emptyProfilesDoc, func() error {
		doc, err := s.readDoc()
		if err != nil {
			return err
		}
		for _, byName := range doc.Profiles {
			for _, p := range byName {
				out = append(out, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerURL != out[j].ServerURL {
			return out[i].ServerURL < out[j].ServerURL
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *ProfileStore) readDoc() (*profilesDoc, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &profilesDoc{Profiles: map[string]map[string]*AuthProfile{}}, nil
		}
		return nil, fmt.Errorf("read profile store: %w", err)
	}

	var doc profilesDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		// Preserve the unparseable file for forensics, same treatment as
		// the session registry.
		dest := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		_ = os.WriteFile(dest, data, 0600)
		return &profilesDoc{Profiles: map[string]map[string]*AuthProfile{}}, nil
	}
	if doc.Profiles == nil {
		doc.Profiles = map[string]map[string]*AuthProfile{}
	}
	return &doc, nil
}

func (s *ProfileStore) writeDoc(doc *profilesDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile store: %w", err)
	}
	return filelock.Atomic(s.path, data)
}
