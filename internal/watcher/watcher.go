// Package watcher turns filesystem notifications under a root directory into
// a debounced stream of create/modify events for regular files.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind is the type of change observed for a file.
type Kind int

const (
	Created Kind = iota + 1
	Modified
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// Event is one logical change to a regular file.
type Event struct {
	Path       string
	Kind       Kind
	ObservedAt time.Time
}

// Config holds watcher settings. Zero durations select defaults.
type Config struct {
	// Root is the directory watched recursively.
	Root string

	// Debounce is how long a path must stay quiet before it is emitted.
	Debounce time.Duration

	// MaxWait bounds how long a continuously written path is held back.
	// Zero selects 4×Debounce.
	MaxWait time.Duration

	// Exclude holds glob patterns matched against every path component
	// below the root. Matching directories are not watched.
	Exclude []string

	// Ignore holds absolute path prefixes that are never watched.
	Ignore []string

	// HeartbeatInterval is how often the root is checked for liveness.
	HeartbeatInterval time.Duration

	// MaxResubscribes bounds consecutive failed resubscription attempts.
	MaxResubscribes int

	// ResubscribeBackoff is the initial delay between resubscription attempts.
	ResubscribeBackoff time.Duration

	// Buffer is the capacity of the event channel.
	Buffer int
}

func (c Config) withDefaults() Config {
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 4 * c.Debounce
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.MaxResubscribes <= 0 {
		c.MaxResubscribes = 5
	}
	if c.ResubscribeBackoff <= 0 {
		c.ResubscribeBackoff = time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	return c
}

// Observer is notified about subscription health.
type Observer interface {
	WatchResubscribed()
	WatchOverflow()
}

type pendingEvent struct {
	kind      Kind
	firstSeen time.Time
	lastSeen  time.Time
}

// Watcher monitors a directory tree for file changes.
type Watcher struct {
	cfg    Config
	root   string
	logger *slog.Logger

	events chan Event

	// State tracking: path -> pending change awaiting the debounce window
	pending map[string]*pendingEvent
	mu      sync.Mutex

	// rootInfo identifies the subscribed root directory so a replacement
	// with a fresh inode is noticed. Owned by Run.
	rootInfo os.FileInfo

	observer     Observer
	resubscribes atomic.Uint64
	overflows    atomic.Uint64
}

// New creates a watcher for cfg.Root. The root is resolved here but only
// subscribed when Run starts.
func New(cfg Config, logger *slog.Logger) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("watcher: root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()
	ignore := make([]string, 0, len(cfg.Ignore))
	for _, p := range cfg.Ignore {
		if abs, err := filepath.Abs(p); err == nil {
			ignore = append(ignore, abs)
		}
	}
	cfg.Ignore = ignore

	return &Watcher{
		cfg:     cfg,
		root:    root,
		logger:  logger.With("component", "watcher"),
		events:  make(chan Event, cfg.Buffer),
		pending: make(map[string]*pendingEvent),
	}, nil
}

// SetObserver registers o for subscription health notifications. It must be
// called before Run.
func (w *Watcher) SetObserver(o Observer) {
	w.observer = o
}

// Events returns the channel of debounced events. It is closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Root returns the absolute watched root.
func (w *Watcher) Root() string {
	return w.root
}

// Pending returns the number of paths waiting out their debounce window.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Resubscribes returns how many times the subscription was re-established.
func (w *Watcher) Resubscribes() uint64 {
	return w.resubscribes.Load()
}

// Overflows returns how many notification queue overflows were reported.
func (w *Watcher) Overflows() uint64 {
	return w.overflows.Load()
}

// Run subscribes to the tree and delivers events until ctx is cancelled,
// in which case it returns nil. A *WatchError is returned when the initial
// subscription fails or a lost subscription cannot be recovered.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	// lastGood is the last moment the subscription was known to work. A
	// rescan after a loss covers everything modified since then.
	lastGood := time.Now()

	sub, err := w.subscribe(time.Time{})
	if err != nil {
		return &WatchError{Kind: KindInitFailed, Root: w.root, Err: err}
	}
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	w.logger.Info("watching", "root", w.root, "debounce", w.cfg.Debounce)

	flushTicker := time.NewTicker(w.flushInterval())
	defer flushTicker.Stop()
	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		var lost error

		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-sub.Events:
			if !ok {
				lost = errors.New("event channel closed")
				break
			}
			if lost = w.handle(sub, event); lost == nil {
				lastGood = time.Now()
			}

		case err, ok := <-sub.Errors:
			if !ok {
				lost = errors.New("error channel closed")
				break
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.overflows.Add(1)
				if w.observer != nil {
					w.observer.WatchOverflow()
				}
				w.logger.Warn("notification queue overflow, events may have been dropped", "root", w.root)
				continue
			}
			w.logger.Warn("watch error", "error", err)

		case now := <-flushTicker.C:
			if err := w.flush(ctx, now); err != nil {
				return nil
			}

		case now := <-heartbeat.C:
			if lost = w.checkRoot(); lost == nil {
				lastGood = now
			}
		}

		if lost == nil {
			continue
		}

		w.logger.Warn("subscription lost, resubscribing", "root", w.root, "error", lost, "since", lastGood)
		sub.Close()
		sub = nil

		sub, err = w.resubscribe(ctx, lost, lastGood)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// mtimeSlack widens the rescan window for filesystems whose timestamps lag
// the wall clock by a tick.
const mtimeSlack = time.Second

func (w *Watcher) flushInterval() time.Duration {
	d := w.cfg.Debounce / 4
	return min(max(d, 5*time.Millisecond), 250*time.Millisecond)
}

// subscribe creates a new fsnotify watcher over the whole tree. Files
// modified at or after since are queued as modified so changes made while
// unsubscribed are not missed.
func (w *Watcher) subscribe(since time.Time) (*fsnotify.Watcher, error) {
	info, err := w.statRoot()
	if err != nil {
		return nil, err
	}

	sub, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := w.addTree(sub, w.root, func(path string, info fs.FileInfo) {
		if !since.IsZero() && !info.ModTime().Before(since.Add(-mtimeSlack)) {
			w.queue(path, Modified, time.Now())
		}
	}); err != nil {
		sub.Close()
		return nil, err
	}

	w.rootInfo = info
	return sub, nil
}

func (w *Watcher) resubscribe(ctx context.Context, cause error, since time.Time) (*fsnotify.Watcher, error) {
	lastErr := cause
	backoff := w.cfg.ResubscribeBackoff

	for attempt := 1; attempt <= w.cfg.MaxResubscribes; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		sub, err := w.subscribe(since)
		if err == nil {
			w.resubscribes.Add(1)
			if w.observer != nil {
				w.observer.WatchResubscribed()
			}
			w.logger.Info("resubscribed", "root", w.root, "attempt", attempt)
			return sub, nil
		}

		lastErr = err
		w.logger.Warn("resubscribe failed", "root", w.root, "attempt", attempt, "error", err)
		backoff = min(backoff*2, 30*time.Second)
	}

	return nil, &WatchError{
		Kind:     KindSubscriptionLost,
		Root:     w.root,
		Attempts: w.cfg.MaxResubscribes,
		Err:      lastErr,
	}
}

func (w *Watcher) statRoot() (os.FileInfo, error) {
	info, err := os.Stat(w.root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", w.root)
	}
	return info, nil
}

// checkRoot verifies the root still exists and is the directory that was
// subscribed, not a replacement created under the same name.
func (w *Watcher) checkRoot() error {
	info, err := w.statRoot()
	if err != nil {
		return err
	}
	if w.rootInfo != nil && !os.SameFile(w.rootInfo, info) {
		return errRootReplaced
	}
	return nil
}

// addTree subscribes dir and every directory below it, calling onFile for
// each regular file found. Failure to add dir itself is returned; failures
// below it are logged and skipped.
func (w *Watcher) addTree(sub *fsnotify.Watcher, dir string, onFile func(string, fs.FileInfo)) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Debug("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != dir && w.excluded(path) {
				return filepath.SkipDir
			}
			if err := sub.Add(path); err != nil {
				if path == dir {
					return err
				}
				w.logger.Warn("cannot watch directory", "path", path, "error", err)
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() || w.excluded(path) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			onFile(path, info)
		}
		return nil
	})
}

// handle processes one raw notification. It returns an error when the
// event shows the root itself is gone.
func (w *Watcher) handle(sub *fsnotify.Watcher, event fsnotify.Event) error {
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && filepath.Clean(event.Name) == w.root {
		return errRootRemoved
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return nil
	}
	if w.excluded(event.Name) {
		return nil
	}

	now := time.Now()
	info, err := os.Lstat(event.Name)
	if err != nil {
		// Gone already. Pass it on so the loss is observed downstream.
		w.queue(event.Name, kindOf(event.Op), now)
		return nil
	}

	if info.IsDir() {
		if event.Op&fsnotify.Create == 0 {
			return nil
		}
		// Files written before the new directory was subscribed would be
		// missed otherwise.
		if err := w.addTree(sub, event.Name, func(path string, _ fs.FileInfo) {
			w.queue(path, Created, now)
		}); err != nil {
			w.logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
		}
		return nil
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	w.queue(event.Name, kindOf(event.Op), now)
	return nil
}

func kindOf(op fsnotify.Op) Kind {
	if op&fsnotify.Create != 0 {
		return Created
	}
	return Modified
}

// queue records a change for path. Created wins over Modified within one
// debounce window.
func (w *Watcher) queue(path string, kind Kind, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[path]; ok {
		p.lastSeen = now
		if kind == Created {
			p.kind = Created
		}
		return
	}
	w.pending[path] = &pendingEvent{kind: kind, firstSeen: now, lastSeen: now}
}

// flush emits every pending path that has been quiet for the debounce
// window, or has been pending for MaxWait while still being written.
func (w *Watcher) flush(ctx context.Context, now time.Time) error {
	threshold := now.Add(-w.cfg.Debounce)

	w.mu.Lock()
	var ready []Event
	for path, p := range w.pending {
		if p.lastSeen.After(threshold) && now.Sub(p.firstSeen) < w.cfg.MaxWait {
			continue
		}
		ready = append(ready, Event{Path: path, Kind: p.kind, ObservedAt: p.firstSeen})
		delete(w.pending, path)
	}
	w.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool {
		return ready[i].ObservedAt.Before(ready[j].ObservedAt)
	})

	for _, ev := range ready {
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// excluded reports whether path is ignored or any of its components below
// the root matches an Exclude pattern.
func (w *Watcher) excluded(path string) bool {
	if w.ignored(path) {
		return true
	}
	if len(w.cfg.Exclude) == 0 {
		return false
	}

	components := []string{filepath.Base(path)}
	if rel, err := filepath.Rel(w.root, path); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		components = strings.Split(rel, string(filepath.Separator))
	}
	for _, name := range components {
		for _, pattern := range w.cfg.Exclude {
			if ok, _ := filepath.Match(pattern, name); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) ignored(path string) bool {
	for _, prefix := range w.cfg.Ignore {
		if path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
