package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apify/mcpc/internal/filelock"
	"github.com/apify/mcpc/internal/keychain"
	"github.com/apify/mcpc/internal/paths"
)

// document is the on-disk shape of sessions.json: a single JSON
// object wrapping the name→record map.
type document struct {
	Sessions map[string]*Record `json:"sessions"`
}

// Registry is the durable session-name to Record store. All
// mutating operations go through filelock.WithLock on sessions.json.
type Registry struct {
	path string
}

// NewRegistry opens the registry rooted at mcpc's home directory.
func NewRegistry() (*Registry, error) {
	path, err := paths.SessionsFile()
	if err != nil {
		return nil, err
	}
	return &Registry{path: path}, nil
}

var emptyDocument = []byte(`{"sessions":{}}`)

// Load returns every SessionRecord currently in the registry.
func (r *Registry) Load() (map[string]*Record, error) {
	var out map[string]*Record
	err := filelock.WithLock(r.path, emptyDocument, func() error {
		doc, err := r.readDoc()
		if err != nil {
			return err
		}
		out = doc.Sessions
		return nil
	})
	return out, err
}

// Get returns the record for name, or nil if it doesn't exist.
func (r *Registry) Get(name string) (*Record, error) {
	var out *Record
	err := filelock.WithLock(r.path, emptyDocument, func() error {
		doc, err := r.readDoc()
		if err != nil {
			return err
		}
		out = doc.Sessions[name]
		return nil
	})
	return out, err
}

// Save inserts or overwrites the record for name.
func (r *Registry) Save(name string, record *Record) error {
	return filelock.WithLock(r.path, emptyDocument, func() error {
		doc, err := r.readDoc()
		if err != nil {
			return err
		}
		doc.Sessions[name] = record
		return r.writeDoc(doc)
	})
}

// ErrNotFound is returned by Update when name has no record.
var ErrNotFound = fmt.Errorf("session not found")

// Update loads the record for name, applies patch, and writes it back
// inside the same lock critical section.
func (r *Registry) Update(name string, patch func(*Record)) error {
	return filelock.WithLock(r.path, emptyDocument, func() error {
		doc, err := r.readDoc()
		if err != nil {
			return err
		}
		rec, ok := doc.Sessions[name]
		if !ok {
			return ErrNotFound
		}
		patch(rec)
		return r.writeDoc(doc)
	})
}

// Delete removes the record for name. No-op if it doesn't exist.
func (r *Registry) Delete(name string) error {
	return filelock.WithLock(r.path, emptyDocument, func() error {
		doc, err := r.readDoc()
		if err != nil {
			return err
		}
		delete(doc.Sessions, name)
		return r.writeDoc(doc)
	})
}

// Consolidate runs the registry GC pass: marks dead-bridge sessions, removes
// orphan socket files, and (if destructive) purges expired records along
// with their keychain header bundles.
func (r *Registry) Consolidate(destructive bool, store keychain.Store) (ConsolidateCounts, error) {
	var counts ConsolidateCounts

	err := filelock.WithLock(r.path, emptyDocument, func() error {
		doc, err := r.readDoc()
		if err != nil {
			return err
		}

		liveSockets := make(map[string]bool, len(doc.Sessions))
		for _, rec := range doc.Sessions {
			if rec.Status != StatusExpired && (rec.PID == 0 || !paths.IsProcessAlive(rec.PID)) {
				rec.Status = StatusDeadBridge
				rec.PID = 0
				counts.DeadBridges++
			}
			if rec.Status == StatusActive {
				liveSockets[rec.SocketPath] = true
			}
		}

		if err := r.pruneOrphanSockets(liveSockets, &counts); err != nil {
			return err
		}

		if destructive {
			for name, rec := range doc.Sessions {
				if rec.Status != StatusExpired {
					continue
				}
				if rec.HeaderCount > 0 && store != nil {
					if err := store.Delete(keychain.NamespaceSessionHeaders, keychain.HeadersKey(name)); err != nil {
						return fmt.Errorf("delete header bundle for %s: %w", name, err)
					}
				}
				delete(doc.Sessions, name)
				counts.ExpiredSessions++
			}
		}

		return r.writeDoc(doc)
	})

	return counts, err
}

// pruneOrphanSockets removes POSIX socket files in the bridges directory
// that don't belong to a live session. No-op on Windows, where named
// pipes never touch the filesystem.
func (r *Registry) pruneOrphanSockets(liveSockets map[string]bool, counts *ConsolidateCounts) error {
	dir, err := paths.BridgesDir()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read bridges dir: %w", err)
	}

	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if liveSockets[full] {
			continue
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale socket %s: %w", full, err)
		}
		counts.StaleSockets++
	}
	return nil
}

func (r *Registry) readDoc() (*document, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &document{Sessions: map[string]*Record{}}, nil
		}
		return nil, fmt.Errorf("read session registry: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		r.quarantineCorrupt(data)
		return &document{Sessions: map[string]*Record{}}, nil
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]*Record{}
	}
	return &doc, nil
}

// quarantineCorrupt preserves an unparseable registry file for forensics
// instead of silently discarding it.
func (r *Registry) quarantineCorrupt(data []byte) {
	dest := fmt.Sprintf("%s.corrupt-%d", r.path, time.Now().Unix())
	_ = os.WriteFile(dest, data, 0600)
}

func (r *Registry) writeDoc(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session registry: %w", err)
	}
	return filelock.Atomic(r.path, data)
}
