package config

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher notifies a long-lived process (a shell session) when another
// process rewrites one of the home directory's registry documents. It
// watches the parent directory, not the files, so atomic temp-and-rename
// writes are observed.
type Watcher struct {
	dir       string
	filenames map[string]bool
	onChange  func(filename string)
}

// NewWatcher builds a watcher over the named files, all of which must
// live in dir. onChange receives the base filename that changed,
// debounced per burst of events.
func NewWatcher(dir string, filenames []string, onChange func(filename string)) *Watcher {
	names := make(map[string]bool, len(filenames))
	for _, f := range filenames {
		names[filepath.Base(f)] = true
	}
	return &Watcher{dir: dir, filenames: names, onChange: onChange}
}

// Run watches until ctx is cancelled. Errors are logged, never fatal:
// a shell without change notification still works, just staler.
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("create registry watcher: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		log.Printf("watch %s: %v", w.dir, err)
		return
	}

	// Debounce: editors and atomic renames emit bursts per logical write.
	const debounceDelay = 150 * time.Millisecond
	var debounceMu sync.Mutex
	timers := make(map[string]*time.Timer)

	trigger := func(name string) {
		debounceMu.Lock()
		defer debounceMu.Unlock()
		if t, ok := timers[name]; ok {
			t.Stop()
		}
		timers[name] = time.AfterFunc(debounceDelay, func() {
			w.onChange(name)
		})
	}

	for {
		select {
		case <-ctx.Done():
			debounceMu.Lock()
			for _, t := range timers {
				t.Stop()
			}
			debounceMu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !w.filenames[name] {
				continue
			}
			// Atomic writes show up as rename/create depending on OS.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				trigger(name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("registry watcher error: %v", err)
		}
	}
}
