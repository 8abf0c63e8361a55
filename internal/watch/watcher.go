package watch

import (
	"crypto/md5"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/driftsync/driftsync/internal/index"
)

const (
	eventBufferSize        = 128
	defaultGracePeriod     = time.Second
	defaultRenameWindow    = 500 * time.Millisecond
	defaultCleanupInterval = 15 * time.Second
)

// Lookup is the read-only index handle the watcher uses to recover the
// last-known size/hash of a deleted path for rename correlation.
type Lookup interface {
	Get(path string) *index.FileRecord
}

type expectedWrite struct {
	size    int64
	hash    string
	deleted bool
	expires time.Time
}

type pendingDelete struct {
	size  int64
	hash  string
	timer *time.Timer
	at    time.Time
}

// Watcher wraps one OS filesystem watch for a root and turns raw
// notifications into a debounced, deduplicated Event stream. Events for
// paths the filter excludes are dropped before they enter the pipeline,
// and events caused by the executor's own writes are swallowed via
// expected-write markers.
type Watcher struct {
	root     string
	rules    PathFilter
	lookup   Lookup
	hashing  bool
	debounce time.Duration

	raw chan notify.EventInfo

	outMu  sync.Mutex
	out    chan Event
	closed bool

	mu      sync.Mutex
	pending map[string]Kind
	timers  map[string]*time.Timer

	expectMu sync.Mutex
	expected map[string]expectedWrite
	grace    time.Duration

	renameMu       sync.Mutex
	pendingDeletes map[string]*pendingDelete
	renameWindow   time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// PathFilter mirrors filter.RuleSet; kept as an interface so tests can
// substitute trivial filters.
type PathFilter interface {
	Include(relPath string, isDir bool) bool
}

func New(root string, rules PathFilter, lookup Lookup, hashing bool, debounce time.Duration) *Watcher {
	return &Watcher{
		root:           root,
		rules:          rules,
		lookup:         lookup,
		hashing:        hashing,
		debounce:       debounce,
		out:            make(chan Event, eventBufferSize),
		pending:        make(map[string]Kind),
		timers:         make(map[string]*time.Timer),
		expected:       make(map[string]expectedWrite),
		grace:          defaultGracePeriod,
		pendingDeletes: make(map[string]*pendingDelete),
		renameWindow:   defaultRenameWindow,
		done:           make(chan struct{}),
	}
}

// Start begins watching the root recursively.
func (w *Watcher) Start() error {
	if _, err := os.Stat(w.root); err != nil {
		return fmt.Errorf("watch root %s: %w", w.root, err)
	}

	w.raw = make(chan notify.EventInfo, eventBufferSize)
	recursive := filepath.Join(w.root, "...")
	if err := notify.Watch(recursive, w.raw, notify.Create|notify.Write|notify.Remove|notify.Rename); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	slog.Info("watcher start", "root", w.root)

	w.wg.Add(2)
	go w.readRaw()
	go w.cleanupExpired()
	return nil
}

// Stop halts the OS watch first so no new events are admitted, then
// drains internal goroutines and closes the event stream.
func (w *Watcher) Stop() {
	if w.raw != nil {
		notify.Stop(w.raw)
	}
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.renameMu.Lock()
	for path, pd := range w.pendingDeletes {
		pd.timer.Stop()
		delete(w.pendingDeletes, path)
	}
	w.renameMu.Unlock()

	// A debounce or rename-window callback already past its timer.Stop
	// may still be about to emit; the closed flag makes it drop the
	// event instead of sending on a closed channel.
	w.outMu.Lock()
	w.closed = true
	w.outMu.Unlock()
	close(w.out)
	slog.Info("watcher stop", "root", w.root)
}

// Events returns the debounced event stream.
func (w *Watcher) Events() <-chan Event {
	return w.out
}

// Expect registers an expected-write marker before the executor writes
// to this root. A matching event within the grace period is swallowed
// instead of re-entering the pipeline.
func (w *Watcher) Expect(relPath string, size int64, hash string) {
	w.expectMu.Lock()
	defer w.expectMu.Unlock()
	w.expected[relPath] = expectedWrite{
		size:    size,
		hash:    hash,
		expires: time.Now().Add(w.grace),
	}
}

// ExpectDelete registers a marker for an executor-initiated deletion.
func (w *Watcher) ExpectDelete(relPath string) {
	w.expectMu.Lock()
	defer w.expectMu.Unlock()
	w.expected[relPath] = expectedWrite{
		deleted: true,
		expires: time.Now().Add(w.grace),
	}
}

func (w *Watcher) readRaw() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			w.handleNotify(ev)
		}
	}
}

func (w *Watcher) handleNotify(ev notify.EventInfo) {
	rel, err := filepath.Rel(w.root, ev.Path())
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	var kind Kind
	switch ev.Event() {
	case notify.Create:
		kind = Created
	case notify.Write:
		kind = Modified
	case notify.Remove, notify.Rename:
		// A rename's old path surfaces as Rename; the new path arrives
		// as a separate Create and the pair is re-correlated below.
		kind = Deleted
	default:
		return
	}

	isDir := false
	if kind != Deleted {
		info, err := os.Stat(ev.Path())
		if err != nil {
			return // raced with a delete, the Remove event follows
		}
		isDir = info.IsDir()
	}
	if isDir {
		return // per-file events carry the tree, directory noise is dropped
	}
	if !w.rules.Include(rel, false) {
		return
	}

	w.handleRaw(rel, kind)
}

// handleRaw folds one normalized event into the debounce window. Split
// from handleNotify so tests can drive the pipeline without an OS watch.
func (w *Watcher) handleRaw(rel string, kind Kind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, exists := w.pending[rel]; exists {
		switch {
		case prev == Created && kind == Deleted:
			// Transient file: never observed by anyone, drop both.
			if timer := w.timers[rel]; timer != nil {
				timer.Stop()
			}
			delete(w.pending, rel)
			delete(w.timers, rel)
			return
		case prev == Deleted && kind == Created:
			kind = Modified // replaced in place
		}
	}
	w.pending[rel] = kind

	if timer, exists := w.timers[rel]; exists {
		timer.Stop()
	}
	w.timers[rel] = time.AfterFunc(w.debounce, func() {
		w.flush(rel)
	})
}

func (w *Watcher) flush(rel string) {
	w.mu.Lock()
	kind, exists := w.pending[rel]
	delete(w.pending, rel)
	delete(w.timers, rel)
	w.mu.Unlock()
	if !exists {
		return
	}

	if w.consumeExpected(rel, kind) {
		slog.Debug("watcher suppressed own write", "root", w.root, "path", rel, "kind", kind)
		return
	}

	switch kind {
	case Deleted:
		w.parkDelete(rel)
	case Created:
		if !w.correlateRename(rel) {
			w.emit(Event{Root: w.root, RelPath: rel, Kind: Created, ObservedAt: time.Now()})
		}
	default:
		w.emit(Event{Root: w.root, RelPath: rel, Kind: kind, ObservedAt: time.Now()})
	}
}

// consumeExpected reports whether the event matches a registered
// expected-write marker, consuming the marker on match.
func (w *Watcher) consumeExpected(rel string, kind Kind) bool {
	w.expectMu.Lock()
	defer w.expectMu.Unlock()

	marker, ok := w.expected[rel]
	if !ok {
		return false
	}
	if time.Now().After(marker.expires) {
		delete(w.expected, rel)
		return false
	}

	if marker.deleted {
		if kind == Deleted {
			delete(w.expected, rel)
			return true
		}
		return false
	}

	if kind != Created && kind != Modified {
		return false
	}
	// Verify the on-disk result matches what the executor wrote; a user
	// change racing the grace period must not be swallowed.
	abs := filepath.Join(w.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil || info.Size() != marker.size {
		return false
	}
	if marker.hash != "" && w.hashing {
		if hash, err := hashFile(abs); err != nil || hash != marker.hash {
			return false
		}
	}
	delete(w.expected, rel)
	return true
}

// parkDelete holds a deletion for the rename window so a matching
// creation can be correlated into a rename pair.
func (w *Watcher) parkDelete(rel string) {
	var size int64 = -1
	var hash string
	if w.lookup != nil {
		if rec := w.lookup.Get(rel); rec != nil && rec.Exists {
			size = rec.Size
			hash = rec.Hash
		}
	}

	w.renameMu.Lock()
	defer w.renameMu.Unlock()
	pd := &pendingDelete{size: size, hash: hash, at: time.Now()}
	pd.timer = time.AfterFunc(w.renameWindow, func() {
		w.renameMu.Lock()
		_, still := w.pendingDeletes[rel]
		delete(w.pendingDeletes, rel)
		w.renameMu.Unlock()
		if still {
			w.emit(Event{Root: w.root, RelPath: rel, Kind: Deleted, ObservedAt: time.Now()})
		}
	})
	w.pendingDeletes[rel] = pd
}

// correlateRename matches a creation against parked deletions by size
// (plus hash when enabled). On a confident match it emits the rename
// pair; ambiguity degrades to independent delete+create.
func (w *Watcher) correlateRename(newRel string) bool {
	abs := filepath.Join(w.root, filepath.FromSlash(newRel))
	info, err := os.Stat(abs)
	if err != nil {
		return false
	}

	var newHash string
	if w.hashing {
		if newHash, err = hashFile(abs); err != nil {
			return false
		}
	}

	w.renameMu.Lock()
	var oldRel string
	matches := 0
	for rel, pd := range w.pendingDeletes {
		if pd.size < 0 || pd.size != info.Size() {
			continue
		}
		if w.hashing && pd.hash != "" && pd.hash != newHash {
			continue
		}
		oldRel = rel
		matches++
	}
	if matches != 1 {
		// Zero candidates or an ambiguous pairing: let the parked
		// deletes expire into plain Deleted events.
		w.renameMu.Unlock()
		return false
	}
	pd := w.pendingDeletes[oldRel]
	pd.timer.Stop()
	delete(w.pendingDeletes, oldRel)
	w.renameMu.Unlock()

	now := time.Now()
	w.emit(Event{Root: w.root, RelPath: oldRel, Kind: RenamedFrom, ObservedAt: now, RenamePeer: newRel})
	w.emit(Event{Root: w.root, RelPath: newRel, Kind: RenamedTo, ObservedAt: now, RenamePeer: oldRel})
	return true
}

func (w *Watcher) emit(ev Event) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.out <- ev:
	default:
		// Bounded queue: the periodic consistency sweep reconciles
		// anything dropped here.
		slog.Warn("watcher queue full, dropping event", "root", w.root, "path", ev.RelPath, "kind", ev.Kind)
	}
}

func (w *Watcher) cleanupExpired() {
	defer w.wg.Done()
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			now := time.Now()
			w.expectMu.Lock()
			for path, marker := range w.expected {
				if now.After(marker.expires) {
					delete(w.expected, path)
				}
			}
			w.expectMu.Unlock()
		}
	}
}

func hashFile(abs string) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
