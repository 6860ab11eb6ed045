// Package watcher observes the monitored tool's home directory and emits
// debounced change events for session logs and the settings file.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

type Kind int

const (
	KindSession Kind = iota + 1
	KindSettings
)

// Event is one debounced file change. Rapid successive writes to the same
// path collapse into a single event carrying the latest mod time.
type Event struct {
	Path    string
	Kind    Kind
	ModTime time.Time
}

type Watcher struct {
	root         string
	settingsPath string
	debounce     time.Duration

	fsw    *fsnotify.Watcher
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]time.Time
}

// New prepares a watcher over root for session logs (*.jsonl) plus the
// settings file, which may live outside root. Call Start to begin.
func New(root, settingsPath string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	return &Watcher{
		root:         root,
		settingsPath: settingsPath,
		debounce:     debounce,
		fsw:          fsw,
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
		pending:      map[string]time.Time{},
	}, nil
}

// Start registers the watch tree, queues every already-existing session log
// and the settings file as pending so startup catches up on history, and
// launches the event and sweep loops.
func (w *Watcher) Start() error {
	info, err := os.Stat(w.root)
	if err != nil {
		return fmt.Errorf("watcher: watch root %s: %w", w.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watcher: watch root %s is not a directory", w.root)
	}
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	if w.settingsPath != "" {
		// The settings file may be replaced atomically; watch its parent.
		if err := w.fsw.Add(filepath.Dir(w.settingsPath)); err != nil {
			return fmt.Errorf("watcher: watch settings dir: %w", err)
		}
	}

	w.mu.Lock()
	// Backdate initial entries so the first sweep flushes them without
	// waiting out the debounce window.
	seen := time.Now().Add(-w.debounce)
	_ = filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if w.classify(path) == KindSession {
			w.pending[path] = seen
		}
		return nil
	})
	if w.settingsPath != "" {
		if _, err := os.Stat(w.settingsPath); err == nil {
			w.pending[w.settingsPath] = seen
		}
	}
	w.mu.Unlock()

	w.wg.Add(2)
	go w.processEvents()
	go w.sweepPending()
	return nil
}

// Events delivers debounced changes. The channel closes after Close returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	close(w.events)
	return err
}

// addRecursive watches dir and every subdirectory. Failure on dir itself is
// fatal; unreadable or unwatchable subtrees are skipped.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("watcher: walk %s: %w", dir, err)
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".") && path != dir {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			if path == dir {
				return fmt.Errorf("watcher: watch %s: %w", dir, err)
			}
			return nil
		}
		return nil
	})
}

func (w *Watcher) classify(path string) Kind {
	if w.settingsPath != "" && path == w.settingsPath {
		return KindSettings
	}
	if filepath.Ext(path) == ".jsonl" {
		return KindSession
	}
	return 0
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if w.classify(event.Name) != 0 {
					w.mu.Lock()
					w.pending[event.Name] = time.Now()
					w.mu.Unlock()
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = w.addRecursive(event.Name)
					}
				}
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) sweepPending() {
	defer w.wg.Done()

	interval := w.debounce / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			now := time.Now()

			w.mu.Lock()
			var due []string
			for path, changed := range w.pending {
				if now.Sub(changed) >= w.debounce {
					due = append(due, path)
					delete(w.pending, path)
				}
			}
			w.mu.Unlock()

			for _, path := range due {
				event := Event{Path: path, Kind: w.classify(path)}
				if info, err := os.Stat(path); err == nil {
					event.ModTime = info.ModTime()
				}
				select {
				case w.events <- event:
				case <-w.done:
					return
				}
			}
		}
	}
}
