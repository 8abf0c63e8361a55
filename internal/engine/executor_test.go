package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/index"
)

type recordingNotifier struct {
	mu      sync.Mutex
	writes  []string
	deletes []string
}

func (n *recordingNotifier) Expect(rel string, size int64, hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.writes = append(n.writes, rel)
}

func (n *recordingNotifier) ExpectDelete(rel string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deletes = append(n.deletes, rel)
}

type fixture struct {
	exec         *Executor
	sourceRoot   string
	targetRoot   string
	sourceIdx    *index.Index
	targetIdx    *index.Index
	sourceNotify *recordingNotifier
	targetNotify *recordingNotifier
}

func newFixture(t *testing.T, policy config.Policy) *fixture {
	t.Helper()
	f := &fixture{
		sourceRoot:   t.TempDir(),
		targetRoot:   t.TempDir(),
		sourceNotify: &recordingNotifier{},
		targetNotify: &recordingNotifier{},
	}
	f.sourceIdx = index.New(f.sourceRoot)
	f.targetIdx = index.New(f.targetRoot)

	pair := Pair{
		SourceRoot:   f.sourceRoot,
		TargetRoot:   f.targetRoot,
		SourceIndex:  f.sourceIdx,
		TargetIndex:  f.targetIdx,
		SourceNotify: f.sourceNotify,
		TargetNotify: f.targetNotify,
	}
	f.exec = NewExecutor(pair, policy, NewPathLocks(), nil)
	f.exec.backoff = time.Millisecond
	return f
}

func (f *fixture) write(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (f *fixture) read(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) apply(t *testing.T, action ResolvedAction) Outcome {
	t.Helper()
	out := f.exec.Apply(context.Background(), action)
	require.NoError(t, out.Err)
	return out
}

func action(kind ActionKind, rel string) ResolvedAction {
	return ResolvedAction{Kind: kind, Entry: Entry{RelPath: rel}, Reason: "test"}
}

func TestExecutor_CopyToTarget(t *testing.T) {
	f := newFixture(t, config.Policy{Mode: config.TwoWay})
	f.write(t, f.sourceRoot, "docs/a.txt", "hello")

	out := f.apply(t, action(ActionCopyToTarget, "docs/a.txt"))
	assert.True(t, out.Success)
	assert.Equal(t, int64(5), out.Bytes)
	assert.Equal(t, "hello", f.read(t, f.targetRoot, "docs/a.txt"))

	// Destination watcher was told about the write before it landed.
	assert.Contains(t, f.targetNotify.writes, "docs/a.txt")

	// The pair baseline lands on the target record; the shared source
	// index stays baseline-free so other pairs see the path as new.
	src := f.sourceIdx.Get("docs/a.txt")
	dst := f.targetIdx.Get("docs/a.txt")
	require.NotNil(t, src)
	require.NotNil(t, dst)
	assert.False(t, src.HasBaseline())
	assert.True(t, dst.HasBaseline())
}

func TestExecutor_CopyPreservesModTime(t *testing.T) {
	f := newFixture(t, config.Policy{Mode: config.TwoWay})
	f.write(t, f.sourceRoot, "a.txt", "content")

	srcAbs := filepath.Join(f.sourceRoot, "a.txt")
	past := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(srcAbs, past, past))

	f.apply(t, action(ActionCopyToTarget, "a.txt"))

	info, err := os.Stat(filepath.Join(f.targetRoot, "a.txt"))
	require.NoError(t, err)
	assert.WithinDuration(t, past, info.ModTime(), time.Second)
}

func TestExecutor_CopyOverwritesInPlace(t *testing.T) {
	f := newFixture(t, config.Policy{Mode: config.TwoWay})
	f.write(t, f.sourceRoot, "a.txt", "new content")
	f.write(t, f.targetRoot, "a.txt", "old")

	f.apply(t, action(ActionCopyToTarget, "a.txt"))
	assert.Equal(t, "new content", f.read(t, f.targetRoot, "a.txt"))
}

func TestExecutor_CopyVanishedSourceIsNoop(t *testing.T) {
	f := newFixture(t, config.Policy{Mode: config.TwoWay})

	out := f.apply(t, action(ActionCopyToTarget, "gone.txt"))
	assert.True(t, out.Success)
	assert.NoFileExists(t, filepath.Join(f.targetRoot, "gone.txt"))
}

func TestExecutor_DeleteTarget(t *testing.T) {
	f := newFixture(t, config.Policy{Mode: config.TwoWay})
	f.write(t, f.targetRoot, "a.txt", "x")
	f.sourceIdx.Upsert(&index.FileRecord{RelPath: "a.txt", Exists: false})
	f.targetIdx.Upsert(&index.FileRecord{RelPath: "a.txt", Size: 1, Exists: true})

	f.apply(t, action(ActionDeleteTarget, "a.txt"))

	assert.NoFileExists(t, filepath.Join(f.targetRoot, "a.txt"))
	assert.Contains(t, f.targetNotify.deletes, "a.txt")
	assert.Nil(t, f.sourceIdx.Get("a.txt"), "tombstone purged")
	assert.Nil(t, f.targetIdx.Get("a.txt"))
}

func TestExecutor_DeleteMissingFileSucceeds(t *testing.T) {
	f := newFixture(t, config.Policy{Mode: config.TwoWay})

	out := f.apply(t, action(ActionDeleteTarget, "already-gone.txt"))
	assert.True(t, out.Success)
}

func TestExecutor_KeepBothTwoWay(t *testing.T) {
	f := newFixture(t, config.Policy{Mode: config.TwoWay})
	f.write(t, f.sourceRoot, "report.txt", "source version")
	f.write(t, f.targetRoot, "report.txt", "target version")

	act := action(ActionKeepBoth, "report.txt")
	act.ConflictName = ConflictName("report.txt", resolveNow)
	f.apply(t, act)

	// Primary name holds the source's version on both roots.
	assert.Equal(t, "source version", f.read(t, f.sourceRoot, "report.txt"))
	assert.Equal(t, "source version", f.read(t, f.targetRoot, "report.txt"))

	// The target's version survives byte for byte under the conflict
	// name, mirrored to both roots.
	assert.Equal(t, "target version", f.read(t, f.targetRoot, act.ConflictName))
	assert.Equal(t, "target version", f.read(t, f.sourceRoot, act.ConflictName))
}

func TestExecutor_KeepBothOneWay(t *testing.T) {
	f := newFixture(t, config.Policy{Mode: config.OneWay})
	f.write(t, f.sourceRoot, "report.txt", "source version")
	f.write(t, f.targetRoot, "report.txt", "target version")

	act := action(ActionKeepBoth, "report.txt")
	act.ConflictName = ConflictName("report.txt", resolveNow)
	f.apply(t, act)

	assert.Equal(t, "source version", f.read(t, f.targetRoot, "report.txt"))
	assert.Equal(t, "target version", f.read(t, f.targetRoot, act.ConflictName))

	// One-way: the conflict copy stays on the target only.
	assert.NoFileExists(t, filepath.Join(f.sourceRoot, act.ConflictName))
	assert.Equal(t, "source version", f.read(t, f.sourceRoot, "report.txt"))
}

func TestExecutor_Rebaseline(t *testing.T) {
	f := newFixture(t, config.Policy{Mode: config.TwoWay})

	src := &index.FileRecord{RelPath: "a.txt", Size: 5, ModTime: baseTime, Exists: true}
	dst := &index.FileRecord{RelPath: "a.txt", Size: 5, ModTime: baseTime, Exists: true}
	f.sourceIdx.Upsert(src)
	f.targetIdx.Upsert(dst)

	act := action(ActionRebaseline, "a.txt")
	act.Entry.Source = src
	act.Entry.Target = dst
	f.apply(t, act)

	assert.True(t, f.targetIdx.Get("a.txt").HasBaseline())
	assert.False(t, f.sourceIdx.Get("a.txt").HasBaseline(), "source records never carry pair baselines")
}

func TestExecutor_ApplyIsIdempotent(t *testing.T) {
	f := newFixture(t, config.Policy{Mode: config.TwoWay, UseHashComparison: true})
	f.write(t, f.sourceRoot, "a.txt", "stable")

	f.apply(t, action(ActionCopyToTarget, "a.txt"))
	f.apply(t, action(ActionCopyToTarget, "a.txt"))
	assert.Equal(t, "stable", f.read(t, f.targetRoot, "a.txt"))

	// After a successful copy the pair classifies as identical.
	d := NewDiffer(config.Policy{Mode: config.TwoWay, UseHashComparison: true})
	assert.Equal(t, Identical, d.Classify(f.sourceIdx.Get("a.txt"), f.targetIdx.Get("a.txt")))
}

func TestExecutor_RetryTransient(t *testing.T) {
	f := newFixture(t, config.Policy{})

	attempts := 0
	err := f.exec.withRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return syscall.EBUSY
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecutor_RetryPermanentStopsImmediately(t *testing.T) {
	f := newFixture(t, config.Policy{})

	attempts := 0
	err := f.exec.withRetry(context.Background(), func() error {
		attempts++
		return syscall.ENOSPC
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecutor_RetryRespectsContext(t *testing.T) {
	f := newFixture(t, config.Policy{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.exec.withRetry(ctx, func() error { return syscall.EBUSY })
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindNone, Classify(nil))
	assert.Equal(t, KindTransient, Classify(syscall.EBUSY))
	assert.Equal(t, KindTransient, Classify(&os.PathError{Op: "open", Path: "x", Err: syscall.EACCES}))
	assert.Equal(t, KindPermanent, Classify(syscall.ENOSPC))
	assert.Equal(t, KindPermanent, Classify(errors.New("unknown")))
}

func TestReporter_Counters(t *testing.T) {
	r := NewReporter("t1", 16)
	defer r.Close()

	r.Publish(Outcome{Action: ActionCopyToTarget, Success: true, Bytes: 100})
	r.Publish(Outcome{Action: ActionCopyToSource, Success: true, Bytes: 50})
	r.Publish(Outcome{Action: ActionDeleteTarget, Success: true})
	r.Publish(Outcome{Action: ActionKeepBoth, Success: true, Bytes: 10})
	r.Publish(Outcome{Action: ActionNone, Skipped: true})
	r.Publish(Outcome{Action: ActionCopyToTarget, Err: syscall.ENOSPC})

	snap := r.Counters().Snapshot()
	assert.Equal(t, int64(3), snap.Copied)
	assert.Equal(t, int64(1), snap.Deleted)
	assert.Equal(t, int64(1), snap.Renamed)
	assert.Equal(t, int64(1), snap.Skipped)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(160), snap.Bytes)
}
