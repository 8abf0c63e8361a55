package engine

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/index"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 100 * time.Millisecond
	tempPattern        = ".driftsync-*.tmp"
)

// Notifier registers expected-write markers with a root's watcher so
// the executor's own writes do not re-enter the event pipeline.
type Notifier interface {
	Expect(relPath string, size int64, hash string)
	ExpectDelete(relPath string)
}

// PathLocks serializes apply operations per relative path within one
// task. Two actions for the same path never run concurrently; actions
// for different paths may.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for rel and returns its release func.
func (pl *PathLocks) Lock(rel string) func() {
	pl.mu.Lock()
	lock, ok := pl.locks[rel]
	if !ok {
		lock = &sync.Mutex{}
		pl.locks[rel] = lock
	}
	pl.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// lockAll acquires several path locks in sorted order.
func (pl *PathLocks) lockAll(rels ...string) func() {
	sorted := append([]string(nil), rels...)
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, rel := range sorted {
		unlocks = append(unlocks, pl.Lock(rel))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// Pair binds one source/target root pair with its runtime state. The
// notifiers are nil for unwatched roots (targets in one-way mode) and
// the store is nil when persistence is disabled.
type Pair struct {
	SourceRoot   string
	TargetRoot   string
	SourceIndex  *index.Index
	TargetIndex  *index.Index
	SourceNotify Notifier
	TargetNotify Notifier
	Store        *index.Store
}

// Executor applies resolved actions to the filesystem for one pair.
// Copies are atomic (temp file plus rename, mtime preserved), transient
// errors are retried with exponential backoff, and every mutation is
// announced to the destination's watcher before it lands.
type Executor struct {
	pair        Pair
	policy      config.Policy
	locks       *PathLocks
	reporter    *Reporter
	maxAttempts int
	backoff     time.Duration
}

func NewExecutor(pair Pair, policy config.Policy, locks *PathLocks, reporter *Reporter) *Executor {
	return &Executor{
		pair:        pair,
		policy:      policy,
		locks:       locks,
		reporter:    reporter,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
}

// Apply executes one resolved action and reports its outcome.
func (x *Executor) Apply(ctx context.Context, action ResolvedAction) Outcome {
	out := Outcome{
		TargetRoot: x.pair.TargetRoot,
		RelPath:    action.Entry.RelPath,
		Action:     action.Kind,
		Reason:     action.Reason,
		At:         time.Now(),
	}

	var err error
	switch action.Kind {
	case ActionNone:
		out.Skipped = true

	case ActionRebaseline:
		err = x.rebaseline(action.Entry)

	case ActionPurgeTombstones:
		err = x.purge(action.Entry.RelPath)

	case ActionCopyToTarget:
		out.Bytes, err = x.copy(ctx, action.Entry.RelPath,
			x.pair.SourceRoot, x.pair.TargetRoot, x.pair.TargetNotify)

	case ActionCopyToSource:
		out.Bytes, err = x.copy(ctx, action.Entry.RelPath,
			x.pair.TargetRoot, x.pair.SourceRoot, x.pair.SourceNotify)

	case ActionDeleteTarget:
		err = x.delete(ctx, action.Entry.RelPath, x.pair.TargetRoot, x.pair.TargetNotify)

	case ActionDeleteSource:
		err = x.delete(ctx, action.Entry.RelPath, x.pair.SourceRoot, x.pair.SourceNotify)

	case ActionKeepBoth:
		out.Bytes, err = x.keepBoth(ctx, action)

	case ActionRenameTarget:
		err = x.rename(ctx, action.OldPath, action.Entry.RelPath, x.pair.TargetRoot, x.pair.TargetNotify)

	case ActionRenameSource:
		err = x.rename(ctx, action.OldPath, action.Entry.RelPath, x.pair.SourceRoot, x.pair.SourceNotify)

	default:
		err = fmt.Errorf("unhandled action %s", action.Kind)
	}

	out.Success = err == nil
	out.Err = err
	out.ErrKind = Classify(err)
	if x.reporter != nil {
		x.reporter.Publish(out)
	}
	return out
}

// copy replicates rel from fromRoot to toRoot atomically: content is
// written to a temp file in the destination directory, the source mtime
// is stamped on it, and it is renamed into place. On success both index
// records are refreshed and the pair baseline is stamped.
func (x *Executor) copy(ctx context.Context, rel, fromRoot, toRoot string, toNotify Notifier) (int64, error) {
	unlock := x.locks.Lock(rel)
	defer unlock()

	fromAbs := filepath.Join(fromRoot, filepath.FromSlash(rel))
	toAbs := filepath.Join(toRoot, filepath.FromSlash(rel))

	var written int64
	var hash string
	var modTime time.Time
	err := x.withRetry(ctx, func() error {
		var err error
		written, hash, modTime, err = x.copyAtomic(fromAbs, toAbs, rel, toNotify)
		return err
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The file vanished between classification and apply; the
			// delete event follows and is handled on its own.
			return 0, nil
		}
		return 0, err
	}

	rec := &index.FileRecord{
		RelPath: rel,
		Size:    written,
		ModTime: modTime,
		Hash:    hash,
		Exists:  true,
	}
	return written, x.saveBoth(rec)
}

// copyAtomic performs one copy attempt. The temp file matches the
// built-in *.tmp exclude so its events never reach the pipeline; the
// final rename is announced via an expected-write marker first.
func (x *Executor) copyAtomic(fromAbs, toAbs, rel string, toNotify Notifier) (int64, string, time.Time, error) {
	info, err := os.Stat(fromAbs)
	if err != nil {
		return 0, "", time.Time{}, err
	}
	src, err := os.Open(fromAbs)
	if err != nil {
		return 0, "", time.Time{}, err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		return 0, "", time.Time{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(toAbs), tempPattern)
	if err != nil {
		return 0, "", time.Time{}, err
	}
	tmpName := tmp.Name()
	cleanup := func(err error) (int64, string, time.Time, error) {
		tmp.Close()
		os.Remove(tmpName)
		return 0, "", time.Time{}, err
	}

	h := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, h), src)
	if err != nil {
		return cleanup(fmt.Errorf("copy %s: %w", rel, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, "", time.Time{}, err
	}
	if err := os.Chtimes(tmpName, time.Now(), info.ModTime()); err != nil {
		os.Remove(tmpName)
		return 0, "", time.Time{}, err
	}

	hash := fmt.Sprintf("%x", h.Sum(nil))
	if toNotify != nil {
		toNotify.Expect(rel, written, hash)
	}
	if err := os.Rename(tmpName, toAbs); err != nil {
		os.Remove(tmpName)
		return 0, "", time.Time{}, err
	}
	return written, hash, info.ModTime(), nil
}

// delete removes rel on one root. A path already gone counts as done.
// Records for the path are purged from both sides.
func (x *Executor) delete(ctx context.Context, rel, root string, notify Notifier) error {
	unlock := x.locks.Lock(rel)
	defer unlock()

	abs := filepath.Join(root, filepath.FromSlash(rel))
	err := x.withRetry(ctx, func() error {
		if notify != nil {
			notify.ExpectDelete(rel)
		}
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return x.purge(rel)
}

// keepBoth preserves both conflicting versions byte for byte: the
// target's copy is renamed aside under the conflict name, the source's
// version takes the primary name on both roots, and in two-way mode the
// conflict copy is mirrored back to the source so both roots end up
// with the identical sibling pair.
func (x *Executor) keepBoth(ctx context.Context, action ResolvedAction) (int64, error) {
	rel := action.Entry.RelPath
	conflictRel := action.ConflictName
	unlock := x.locks.lockAll(rel, conflictRel)
	defer unlock()

	dstAbs := filepath.Join(x.pair.TargetRoot, filepath.FromSlash(rel))
	conflictAbs := filepath.Join(x.pair.TargetRoot, filepath.FromSlash(conflictRel))

	info, err := os.Stat(dstAbs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Target version vanished mid-flight: degrade to a plain copy.
			return x.copyLocked(ctx, rel, x.pair.SourceRoot, x.pair.TargetRoot, x.pair.TargetNotify)
		}
		return 0, err
	}
	conflictHash, err := hashFile(dstAbs)
	if err != nil {
		return 0, err
	}

	// Move the target's version aside. Rename preserves content and mtime.
	err = x.withRetry(ctx, func() error {
		if x.pair.TargetNotify != nil {
			x.pair.TargetNotify.ExpectDelete(rel)
			x.pair.TargetNotify.Expect(conflictRel, info.Size(), conflictHash)
		}
		return os.Rename(dstAbs, conflictAbs)
	})
	if err != nil {
		return 0, err
	}

	// Source's version takes the primary name on the target.
	bytes, err := x.copyLocked(ctx, rel, x.pair.SourceRoot, x.pair.TargetRoot, x.pair.TargetNotify)
	if err != nil {
		return bytes, err
	}

	conflictRec := &index.FileRecord{
		RelPath: conflictRel,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Hash:    conflictHash,
		Exists:  true,
	}

	if x.policy.Mode == config.TwoWay {
		// Mirror the conflict copy so both roots hold the sibling pair.
		var mirrored int64
		err = x.withRetry(ctx, func() error {
			var err error
			mirrored, _, _, err = x.copyAtomic(conflictAbs,
				filepath.Join(x.pair.SourceRoot, filepath.FromSlash(conflictRel)),
				conflictRel, x.pair.SourceNotify)
			return err
		})
		if err != nil {
			return bytes, err
		}
		bytes += mirrored
		if err := x.saveBoth(conflictRec); err != nil {
			return bytes, err
		}
		return bytes, nil
	}

	// One-way: the conflict copy stays target-only, no baseline.
	x.pair.TargetIndex.Upsert(conflictRec)
	if x.pair.Store != nil {
		if err := x.pair.Store.Save(x.pair.TargetRoot, conflictRec); err != nil {
			return bytes, err
		}
	}
	return bytes, nil
}

// copyLocked is copy without re-acquiring the path lock.
func (x *Executor) copyLocked(ctx context.Context, rel, fromRoot, toRoot string, toNotify Notifier) (int64, error) {
	fromAbs := filepath.Join(fromRoot, filepath.FromSlash(rel))
	toAbs := filepath.Join(toRoot, filepath.FromSlash(rel))

	var written int64
	var hash string
	var modTime time.Time
	err := x.withRetry(ctx, func() error {
		var err error
		written, hash, modTime, err = x.copyAtomic(fromAbs, toAbs, rel, toNotify)
		return err
	})
	if err != nil {
		return 0, err
	}

	rec := &index.FileRecord{
		RelPath: rel,
		Size:    written,
		ModTime: modTime,
		Hash:    hash,
		Exists:  true,
	}
	return written, x.saveBoth(rec)
}

// rename propagates a correlated rename on one root in place, avoiding
// a content re-copy. The caller falls back to ordinary reconciliation
// when the old path is not where this side expects it.
func (x *Executor) rename(ctx context.Context, oldRel, newRel, root string, notify Notifier) error {
	unlock := x.locks.lockAll(oldRel, newRel)
	defer unlock()

	oldAbs := filepath.Join(root, filepath.FromSlash(oldRel))
	newAbs := filepath.Join(root, filepath.FromSlash(newRel))

	info, err := os.Stat(oldAbs)
	if err != nil {
		return err
	}
	hash, err := hashFile(oldAbs)
	if err != nil {
		return err
	}

	err = x.withRetry(ctx, func() error {
		if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
			return err
		}
		if notify != nil {
			notify.ExpectDelete(oldRel)
			notify.Expect(newRel, info.Size(), hash)
		}
		return os.Rename(oldAbs, newAbs)
	})
	if err != nil {
		return err
	}

	rec := &index.FileRecord{
		RelPath: newRel,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Hash:    hash,
		Exists:  true,
	}
	if err := x.purge(oldRel); err != nil {
		return err
	}
	return x.saveBoth(rec)
}

// rebaseline stamps the pair baseline from the target's current state.
// Metadata only, no filesystem I/O.
func (x *Executor) rebaseline(e Entry) error {
	dst := e.Target.Clone()
	if e.Source == nil || dst == nil {
		return nil
	}
	dst.MarkSynced()

	x.pair.TargetIndex.Upsert(dst)
	if x.pair.Store != nil {
		return x.pair.Store.Save(x.pair.TargetRoot, dst)
	}
	return nil
}

// purge drops all bookkeeping for rel on both sides.
func (x *Executor) purge(rel string) error {
	x.pair.SourceIndex.Remove(rel)
	x.pair.TargetIndex.Remove(rel)
	if x.pair.Store != nil {
		if err := x.pair.Store.Delete(x.pair.SourceRoot, rel); err != nil {
			return err
		}
		if err := x.pair.Store.Delete(x.pair.TargetRoot, rel); err != nil {
			return err
		}
	}
	return nil
}

// saveBoth records a completed transfer on both sides. The pair
// baseline is stamped on the target record only: the source index is
// shared by every pair fanning out from the root, so a baseline there
// would make later pairs misread a freshly synced path as already
// reconciled.
func (x *Executor) saveBoth(rec *index.FileRecord) error {
	src := rec.Clone()
	dst := rec.Clone()
	dst.MarkSynced()

	x.pair.SourceIndex.Upsert(src)
	x.pair.TargetIndex.Upsert(dst)
	if x.pair.Store != nil {
		if err := x.pair.Store.Save(x.pair.SourceRoot, src); err != nil {
			return err
		}
		if err := x.pair.Store.Save(x.pair.TargetRoot, dst); err != nil {
			return err
		}
	}
	return nil
}

// withRetry runs fn, retrying transient failures with exponential
// backoff. Permanent failures and context cancellation stop immediately.
func (x *Executor) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < x.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := x.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if Classify(err) != KindTransient {
			return err
		}
	}
	return err
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
