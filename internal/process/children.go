// Package process manages the stdio MCP server subprocess a bridge
// daemon owns: spawning, stderr capture, exit watching, and cleanup of
// children orphaned by a bridge that died without shutting down.
package process

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apify/mcpc/internal/filelock"
	"github.com/apify/mcpc/internal/paths"
	"github.com/apify/mcpc/internal/session"
)

const childrenFile = "children.json"

// ChildRecord is one tracked stdio MCP server child. A bridge owns at
// most one, keyed by its session name.
type ChildRecord struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"startedAt"`
}

// childrenDoc is the on-disk shape of children.json.
type childrenDoc struct {
	Children map[string]*ChildRecord `json:"children"`
}

// ChildTracker records the stdio MCP server child each bridge owns, so
// a later bridge startup can kill children orphaned by a bridge that
// died without running its shutdown sequence. The document is shared by
// every bridge process on the machine, so every access goes through the
// file lock; there is no in-memory state to go stale.
type ChildTracker struct {
	path string
}

// NewChildTracker opens the tracker rooted at mcpc's home directory.
func NewChildTracker() (*ChildTracker, error) {
	home, err := paths.HomeDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	return &ChildTracker{path: filepath.Join(home, childrenFile)}, nil
}

var emptyChildrenDoc = []byte(`{"children":{}}`)

// Record notes that sessionName's bridge now owns the child at pid.
func (t *ChildTracker) Record(sessionName string, pid int, command string) error {
	return filelock.WithLock(t.path, emptyChildrenDoc, func() error {
		doc, err := t.readDoc()
		if err != nil {
			return err
		}
		doc.Children[sessionName] = &ChildRecord{
			PID:       pid,
			Command:   command,
			StartedAt: time.Now().UTC(),
		}
		return t.writeDoc(doc)
	})
}

// Forget drops the entry for sessionName after an orderly child stop.
func (t *ChildTracker) Forget(sessionName string) error {
	return filelock.WithLock(t.path, emptyChildrenDoc, func() error {
		doc, err := t.readDoc()
		if err != nil {
			return err
		}
		delete(doc.Children, sessionName)
		return t.writeDoc(doc)
	})
}

// CleanupOrphans kills children whose owning bridge is gone. A child is
// left alone while its session record still shows a live bridge pid;
// the bridge owns the child and will stop it on shutdown. Everything
// else alive in the document is an orphan. Returns the number killed.
func (t *ChildTracker) CleanupOrphans(registry *session.Registry) int {
	records, err := registry.Load()
	if err != nil {
		log.Printf("orphan cleanup: load session registry: %v", err)
		return 0
	}

	killed := 0
	err = filelock.WithLock(t.path, emptyChildrenDoc, func() error {
		doc, err := t.readDoc()
		if err != nil {
			return err
		}

		for name, child := range doc.Children {
			if !paths.IsProcessAlive(child.PID) {
				delete(doc.Children, name)
				continue
			}

			if rec, ok := records[name]; ok && rec.PID != 0 && paths.IsProcessAlive(rec.PID) {
				continue // bridge alive; the child is owned, not orphaned
			}

			log.Printf("orphan cleanup: session=%s child pid=%d cmd=%s has no live bridge, terminating",
				name, child.PID, child.Command)
			if err := signalTerm(child.PID); err != nil {
				log.Printf("orphan cleanup: terminate pid=%d: %v", child.PID, err)
			} else {
				killed++
			}
			delete(doc.Children, name)
		}

		return t.writeDoc(doc)
	})
	if err != nil {
		log.Printf("orphan cleanup: %v", err)
	}

	return killed
}

func (t *ChildTracker) readDoc() (*childrenDoc, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &childrenDoc{Children: map[string]*ChildRecord{}}, nil
		}
		return nil, fmt.Errorf("read child tracker: %w", err)
	}

	var doc childrenDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		// A half-written document only holds orphan hints; start fresh
		// rather than refuse to track new children.
		return &childrenDoc{Children: map[string]*ChildRecord{}}, nil
	}
	if doc.Children == nil {
		doc.Children = map[string]*ChildRecord{}
	}
	return &doc, nil
}

func (t *ChildTracker) writeDoc(doc *childrenDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal child tracker: %w", err)
	}
	return filelock.Atomic(t.path, data)
}

// signalTerm asks a child to exit. Orphan cleanup runs at startup and
// must not block, so there is no wait-and-SIGKILL escalation here;
// cleanup is best-effort by contract.
func signalTerm(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}
