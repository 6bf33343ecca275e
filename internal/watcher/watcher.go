// Package watcher implements the Watcher (C5): it subscribes to a
// process's watch_paths recursively and proposes a restart after a 250ms
// debounce once filesystem activity settles. It never restarts a process
// directly — it only emits a proposal that the Supervisor Loop may act on.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/procwatch/procwatch/internal/metrics"
)

const debounce = 250 * time.Millisecond

// Proposal is delivered once per settled burst of filesystem activity.
type Proposal struct {
	Name string
	Path string
	At   time.Time
}

// Watcher owns one fsnotify.Watcher instance shared across every record's
// subscription, so the process table doesn't open one OS-level watcher per
// watched file.
type Watcher struct {
	fsw *fsnotify.Watcher

	mu      sync.Mutex
	records map[string]*recordWatch // name -> subscription
	paths   map[string]map[string]bool // watched path -> set of names subscribed to it

	proposals chan Proposal
	closeOnce sync.Once
	done      chan struct{}
}

type recordWatch struct {
	name  string
	paths []string
	timer *time.Timer
}

// New creates a Watcher and starts its event loop. Proposals() must be
// drained by the caller or the channel fills and new proposals are dropped.
func New() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:       fsw,
		records:   make(map[string]*recordWatch),
		paths:     make(map[string]map[string]bool),
		proposals: make(chan Proposal, 64),
		done:      make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Proposals returns the channel on which restart proposals are delivered.
func (w *Watcher) Proposals() <-chan Proposal { return w.proposals }

// Subscribe registers name's watch_paths, walking each recursively to add
// every directory it contains (fsnotify has no native recursive mode).
// Calling Subscribe again for the same name replaces its prior paths.
func (w *Watcher) Subscribe(name string, paths []string) error {
	w.Unsubscribe(name)
	if len(paths) == 0 {
		return nil
	}
	var walked []string
	for _, root := range paths {
		err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return nil // best-effort: skip paths that vanish mid-walk
			}
			if d.IsDir() {
				walked = append(walked, p)
			}
			return nil
		})
		if err != nil {
			slog.Warn("watcher: walk failed", "path", root, "error", err)
		}
		// Always include the root itself, even if it's a single file.
		walked = append(walked, root)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range walked {
		if w.paths[p] == nil {
			if err := w.fsw.Add(p); err != nil {
				slog.Warn("watcher: add failed", "path", p, "error", err)
				continue
			}
			w.paths[p] = make(map[string]bool)
		}
		w.paths[p][name] = true
	}
	w.records[name] = &recordWatch{name: name, paths: walked}
	return nil
}

// Unsubscribe removes name's subscription and stops its pending debounce
// timer, if any. Paths no longer referenced by any record are removed from
// the underlying fsnotify watcher.
func (w *Watcher) Unsubscribe(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rw, ok := w.records[name]
	if !ok {
		return
	}
	if rw.timer != nil {
		rw.timer.Stop()
	}
	delete(w.records, name)
	for _, p := range rw.paths {
		if subs, ok := w.paths[p]; ok {
			delete(subs, name)
			if len(subs) == 0 {
				delete(w.paths, p)
				_ = w.fsw.Remove(p)
			}
		}
	}
}

// Close stops the event loop and releases the underlying OS watcher.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	dir := filepath.Dir(ev.Name)
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make(map[string]bool)
	for _, p := range []string{ev.Name, dir} {
		for n := range w.paths[p] {
			names[n] = true
		}
	}
	if len(names) == 0 {
		return
	}
	// A create of a new directory under a watched tree needs its own watch.
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.paths[ev.Name] == nil {
				if err := w.fsw.Add(ev.Name); err == nil {
					w.paths[ev.Name] = make(map[string]bool)
					for n := range names {
						w.paths[ev.Name][n] = true
					}
				}
			}
		}
	}

	for n := range names {
		rw := w.records[n]
		if rw == nil {
			continue
		}
		if rw.timer != nil {
			rw.timer.Stop()
		}
		path := ev.Name
		rw.timer = time.AfterFunc(debounce, func() {
			select {
			case w.proposals <- Proposal{Name: n, Path: path, At: time.Now()}:
				metrics.IncWatcherProposal(n)
			default:
				slog.Warn("watcher: proposal channel full, dropping", "name", n)
			}
		})
	}
}
