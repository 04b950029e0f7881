// Package watcher observes the project tree and emits debounced file
// events for incremental indexing. It shares the indexer's exclusion
// policy so the two can never disagree about what is indexable.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oaklabs/oakd/internal/ignore"
	"go.uber.org/zap"
)

// Op is the kind of change observed.
type Op string

const (
	Created  Op = "created"
	Modified Op = "modified"
	Deleted  Op = "deleted"
	Renamed  Op = "renamed"
)

// Event is one coalesced file change. Seq is monotonic; a gap means
// events were dropped under burst pressure.
type Event struct {
	Seq     uint64
	Op      Op
	Path    string // relative to project root
	OldPath string // set for Renamed
}

// Config tunes debouncing and the polling fallback.
type Config struct {
	// DebounceWindow is the per-path coalescing window.
	DebounceWindow time.Duration
	// BurstLimit caps pending coalesced paths; beyond it new events
	// are dropped (visible as sequence gaps).
	BurstLimit int
	// PollInterval drives the fallback scanner when FS notifications
	// are unavailable.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 500 * time.Millisecond
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = 4096
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
}

// Watcher tails the project root.
type Watcher struct {
	root   string
	policy *ignore.Policy
	cfg    Config
	logger *zap.Logger

	events chan Event
	seq    atomic.Uint64

	mu      sync.Mutex
	pending map[string]Op     // rel path -> coalesced op
	renames map[string]string // new rel path -> old rel path

	fsw     *fsnotify.Watcher
	polling bool
	done    chan struct{}
	once    sync.Once
}

// New prepares a watcher rooted at root. Start must be called before
// events flow.
func New(root string, policy *ignore.Policy, cfg Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Watcher{
		root:    root,
		policy:  policy,
		cfg:     cfg,
		logger:  logger,
		events:  make(chan Event, 256),
		pending: map[string]Op{},
		renames: map[string]string{},
		done:    make(chan struct{}),
	}
}

// Events is the coalesced event stream. Closed when the watcher stops.
func (w *Watcher) Events() <-chan Event { return w.events }

// Polling reports whether the fallback scanner is active.
func (w *Watcher) Polling() bool { return w.polling }

// Start begins watching. When recursive FS notifications cannot be
// established the watcher degrades to mtime polling.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		w.fsw = fsw
		err = w.addRecursive(w.root)
	}
	if err != nil {
		if fsw != nil {
			fsw.Close()
		}
		w.fsw = nil
		w.polling = true
		w.logger.Warn("fs notifications unavailable, falling back to polling",
			zap.Duration("interval", w.cfg.PollInterval),
			zap.Error(err),
		)
		go w.pollLoop(ctx)
		go w.flushLoop(ctx)
		return nil
	}

	w.fsw = fsw
	go w.notifyLoop(ctx)
	go w.flushLoop(ctx)
	w.logger.Info("watcher started", zap.String("root", w.root))
	return nil
}

// Close stops the watcher and closes the event channel.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.fsw != nil {
			err = w.fsw.Close()
		}
	})
	return err
}

// addRecursive walks dir and registers every non-excluded directory.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if !d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(w.root, path)
		if rerr != nil {
			return nil
		}
		if rel != "." && w.policy.ExcludedDir(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		if aerr := w.fsw.Add(path); aerr != nil {
			return aerr
		}
		return nil
	})
}

func (w *Watcher) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Close()
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleNotify(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleNotify(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)

	// New directories must be watched before their contents change.
	if ev.Op.Has(fsnotify.Create) {
		if fi, serr := os.Stat(ev.Name); serr == nil && fi.IsDir() {
			if !w.policy.ExcludedDir(rel) {
				if aerr := w.addRecursive(ev.Name); aerr != nil {
					w.logger.Warn("watching new directory failed",
						zap.String("path", rel), zap.Error(aerr))
				}
			}
			return
		}
	}

	if !w.policy.Include(rel) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		w.record(rel, Created)
	case ev.Op.Has(fsnotify.Write):
		w.record(rel, Modified)
	case ev.Op.Has(fsnotify.Remove):
		w.record(rel, Deleted)
	case ev.Op.Has(fsnotify.Rename):
		// The old path; a Create for the new path may pair with it
		// inside the debounce window.
		w.record(rel, Deleted)
		w.mu.Lock()
		w.renames[""] = rel
		w.mu.Unlock()
	}
}

// record coalesces an op for a path. Created followed by Modified stays
// Created; anything followed by Deleted becomes Deleted.
func (w *Watcher) record(rel string, op Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prior, ok := w.pending[rel]; ok {
		switch {
		case op == Deleted:
			w.pending[rel] = Deleted
		case prior == Created && op == Modified:
			// keep Created
		default:
			w.pending[rel] = op
		}
		return
	}

	if len(w.pending) >= w.cfg.BurstLimit {
		// Consume a sequence number so consumers can see the gap.
		w.seq.Add(1)
		w.logger.Warn("event burst ceiling hit, dropping",
			zap.String("path", rel))
		return
	}

	// Pair a Create with a just-seen Rename of another path.
	if op == Created {
		if old, ok := w.renames[""]; ok && old != rel {
			delete(w.renames, "")
			delete(w.pending, old)
			w.renames[rel] = old
			w.pending[rel] = Renamed
			return
		}
	}
	w.pending[rel] = op
}

// flushLoop drains the pending map every debounce window.
func (w *Watcher) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.DebounceWindow)
	defer ticker.Stop()
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			w.flush()
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	renames := w.renames
	w.pending = map[string]Op{}
	w.renames = map[string]string{}
	w.mu.Unlock()

	for rel, op := range pending {
		ev := Event{Seq: w.seq.Add(1), Op: op, Path: rel}
		if op == Renamed {
			ev.OldPath = renames[rel]
		}
		select {
		case w.events <- ev:
		case <-w.done:
			return
		default:
			w.logger.Warn("event channel full, dropping",
				zap.String("path", rel))
		}
	}
}

// pollLoop is the notification fallback: walk the tree on an interval
// and diff mtimes.
func (w *Watcher) pollLoop(ctx context.Context) {
	known := map[string]time.Time{}
	w.scan(known, false)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Close()
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.scan(known, true)
		}
	}
}

// scan walks the root comparing against known mtimes. With emit=false
// it only seeds the baseline.
func (w *Watcher) scan(known map[string]time.Time, emit bool) {
	seen := map[string]bool{}
	filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(w.root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && w.policy.ExcludedDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.policy.Include(rel) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		seen[rel] = true
		prev, existed := known[rel]
		known[rel] = info.ModTime()
		if !emit {
			return nil
		}
		if !existed {
			w.record(rel, Created)
		} else if !prev.Equal(info.ModTime()) {
			w.record(rel, Modified)
		}
		return nil
	})

	for rel := range known {
		if !seen[rel] {
			delete(known, rel)
			if emit {
				w.record(rel, Deleted)
			}
		}
	}
}

var errStopped = errors.New("watcher stopped")

// WaitEvent blocks for the next event, mainly for tests.
func (w *Watcher) WaitEvent(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-w.events:
		if !ok {
			return Event{}, errStopped
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
