// Package watcher reports debounced changes to a fixed set of files, such as
// the stepchat config file and a replay scenario.
package watcher

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/stepchat/internal/clock"
	"github.com/zjrosen/stepchat/internal/log"
)

// Config holds watcher configuration options.
type Config struct {
	// Paths are the files to watch. At least one is required.
	Paths []string
	// Debounce is the quiet period after the last event before a Change is sent.
	Debounce time.Duration
	// Clock schedules the debounce. Defaults to clock.Real.
	Clock clock.Clock
}

// DefaultConfig returns the defaults for watching paths.
func DefaultConfig(paths ...string) Config {
	return Config{
		Paths:    paths,
		Debounce: 300 * time.Millisecond,
	}
}

// Change lists the watched files that changed during one debounce window,
// as sorted absolute paths.
type Change struct {
	Paths []string
}

// Has reports whether path is among the changed files.
func (c Change) Has(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	_, found := slices.BinarySearch(c.Paths, filepath.Clean(abs))
	return found
}

// Watcher monitors files and sends a Change once they stop changing.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	paths     map[string]struct{}
	debounce  time.Duration
	clock     clock.Clock
	changes   chan Change
	done      chan struct{}
	stopOnce  sync.Once

	mu      sync.Mutex
	pending map[string]struct{}
	timer   clock.Timer
	stopped bool
}

// New creates a watcher for cfg.Paths. Nothing is watched until Start.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, fmt.Errorf("watcher: no paths given")
	}
	paths := make(map[string]struct{}, len(cfg.Paths))
	for _, p := range cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		paths[filepath.Clean(abs)] = struct{}{}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsWatcher: fsw,
		paths:     paths,
		debounce:  cfg.Debounce,
		clock:     clock.OrReal(cfg.Clock),
		changes:   make(chan Change, 1),
		done:      make(chan struct{}),
		pending:   make(map[string]struct{}),
	}, nil
}

// Start watches the parent directory of every path. Editors and
// config.Save* replace files by rename, which a watch on the file itself
// would lose.
func (w *Watcher) Start() (<-chan Change, error) {
	dirs := make(map[string]struct{})
	for p := range w.paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := w.fsWatcher.Add(dir); err != nil {
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
	}
	log.Debug(log.CatWatcher, "watching", "files", len(w.paths), "dirs", len(dirs))

	go w.loop()

	return w.changes, nil
}

// Stop terminates the watcher and cancels a pending Change. Safe to call
// more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()

		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.observe(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatWatcher, "watch error", err)

		case <-w.done:
			return
		}
	}
}

// observe records a relevant event and restarts the debounce.
func (w *Watcher) observe(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	name := filepath.Clean(event.Name)
	if _, ok := w.paths[name]; !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.pending[name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = w.clock.AfterFunc(w.debounce, w.flush)
}

// flush sends the pending paths. An unconsumed Change is merged into the new
// one so no path is lost while the receiver is busy.
func (w *Watcher) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || len(w.pending) == 0 {
		return
	}

	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	clear(w.pending)

	select {
	case prev := <-w.changes:
		paths = append(paths, prev.Paths...)
	default:
	}
	slices.Sort(paths)
	paths = slices.Compact(paths)

	w.changes <- Change{Paths: paths}
	log.Debug(log.CatWatcher, "files changed", "paths", paths)
}
