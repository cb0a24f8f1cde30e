// Package watcher observes a repository working tree and reports batches of
// changed paths after a debounce window.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the window during which rapid-fire filesystem events are
// coalesced into one notification.
const DefaultDebounce = 300 * time.Millisecond

var ignoredDirs = map[string]bool{
	".git":        true,
	"node_modules": true,
	"target":      true,
	"dist":        true,
	"build":       true,
	".idea":       true,
	".vscode":     true,
	"__pycache__": true,
}

var ignoredSuffixes = []string{
	".db", ".db-wal", ".db-shm", ".log", ".tmp", ".swp",
}

// Ignored reports whether a path is noise: hidden files and directories,
// tool output directories and transient artifacts.
func Ignored(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "" || part == "." || part == ".." {
			continue
		}
		if ignoredDirs[part] || strings.HasPrefix(part, ".") {
			return true
		}
	}
	base := filepath.Base(path)
	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// Watcher watches one root recursively and invokes the callback with the
// deduplicated set of changed paths, relative to the root.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange func(paths []string)

	fs   *fsnotify.Watcher
	done chan struct{}
}

// New builds a watcher. A non-positive debounce uses the default.
func New(root string, debounce time.Duration, onChange func(paths []string)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     abs,
		debounce: debounce,
		onChange: onChange,
		done:     make(chan struct{}),
	}, nil
}

// Start attaches to the filesystem and begins dispatching. It walks the tree
// once to register every non-ignored directory.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fs = fsw

	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && Ignored(w.rel(path)) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
	if err != nil {
		_ = fsw.Close()
		return err
	}

	go w.loop()
	return nil
}

// Close stops dispatching and releases the filesystem watcher.
func (w *Watcher) Close() error {
	close(w.done)
	if w.fs != nil {
		return w.fs.Close()
	}
	return nil
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// loop coalesces raw events into debounced batches.
func (w *Watcher) loop() {
	pending := map[string]bool{}
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			rel := w.rel(ev.Name)
			if Ignored(rel) {
				continue
			}
			// New directories join the watch so nested changes keep
			// arriving.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.fs.Add(ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[rel] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			if len(pending) > 0 {
				w.onChange(sortedKeys(pending))
				pending = map[string]bool{}
			}
			fire = nil

		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}

		case <-w.done:
			return
		}
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
