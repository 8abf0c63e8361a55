package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/engine"
	"github.com/driftsync/driftsync/internal/filter"
	"github.com/driftsync/driftsync/internal/index"
	"github.com/driftsync/driftsync/internal/watch"
)

const taskEventBuffer = 256

var ErrBadTransition = errors.New("invalid state transition")

// State is the task lifecycle phase. Transitions are serialized under
// the task mutex; reads are lock-free.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:     "idle",
	StateStarting: "starting",
	StateRunning:  "running",
	StatePaused:   "paused",
	StateStopping: "stopping",
	StateStopped:  "stopped",
	StateFailed:   "failed",
}

func (s State) String() string {
	return stateNames[s]
}

// Status is the point-in-time view served over the control API.
type Status struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	State     string                  `json:"state"`
	Mode      string                  `json:"mode"`
	Source    string                  `json:"source"`
	Targets   []string                `json:"targets"`
	StartedAt time.Time               `json:"started_at"`
	LastSweep time.Time               `json:"last_sweep"`
	Counters  engine.CountersSnapshot `json:"counters"`
	Bytes     string                  `json:"bytes_human"`
	Error     string                  `json:"error,omitempty"`
}

type pairRuntime struct {
	idx     *index.Index
	scan    *index.Scanner
	watcher *watch.Watcher
	exec    *engine.Executor
}

// Task runs one sync configuration: a source root fanned out to one or
// more targets under an immutable policy. It owns its watchers, indices,
// persistence and executors; failures stay contained to the task.
type Task struct {
	cfg     config.TaskConfig
	dataDir string

	state     atomic.Int32
	mu        sync.Mutex
	lastErr   error
	startedAt time.Time
	lastSweep atomic.Int64

	rules    *filter.RuleSet
	differ   *engine.Differ
	locks    *engine.PathLocks
	reporter *engine.Reporter

	store       *index.Store
	sourceIdx   *index.Index
	sourceScan  *index.Scanner
	sourceWatch *watch.Watcher
	pairs       []*pairRuntime

	events chan watch.Event
	runNow chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.TaskConfig, dataDir string) (*Task, error) {
	rules, err := filter.New(cfg.Policy.Filters)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", cfg.ID, err)
	}
	return &Task{
		cfg:      cfg,
		dataDir:  dataDir,
		rules:    rules,
		differ:   engine.NewDiffer(cfg.Policy),
		locks:    engine.NewPathLocks(),
		reporter: engine.NewReporter(cfg.ID, taskEventBuffer),
		runNow:   make(chan struct{}, 1),
	}, nil
}

func (t *Task) ID() string {
	return t.cfg.ID
}

func (t *Task) State() State {
	return State(t.state.Load())
}

func (t *Task) setState(s State) {
	old := t.State()
	t.state.Store(int32(s))
	slog.Info("task state", "task", t.cfg.ID, "from", old, "to", s)
}

// Start brings the task from Idle or Stopped to Running: roots are
// validated, persisted index state is loaded, watchers attach, and one
// full reconciliation runs before live events are consumed.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.State() {
	case StateIdle, StateStopped, StateFailed:
	default:
		return fmt.Errorf("task %s: %w: start from %s", t.cfg.ID, ErrBadTransition, t.State())
	}
	t.setState(StateStarting)

	if err := t.start(ctx); err != nil {
		t.lastErr = err
		t.setState(StateFailed)
		t.teardown()
		return err
	}
	t.lastErr = nil
	t.startedAt = time.Now()
	t.setState(StateRunning)
	return nil
}

func (t *Task) start(ctx context.Context) error {
	if _, err := os.Stat(t.cfg.SourcePath); err != nil {
		return fmt.Errorf("source root: %w", err)
	}
	for _, target := range t.cfg.TargetPaths {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("target root %s: %w", target, err)
		}
	}

	hashing := t.cfg.Policy.UseHashComparison
	dbPath := filepath.Join(t.dataDir, "tasks", t.cfg.ID, "index.db")
	store, err := index.NewStore(dbPath)
	if err != nil {
		return err
	}
	t.store = store

	t.sourceIdx = index.New(t.cfg.SourcePath)
	t.sourceScan = index.NewScanner(t.cfg.SourcePath, t.rules, hashing)
	if err := t.loadPersisted(t.sourceIdx); err != nil {
		return err
	}
	t.sourceWatch = watch.New(t.cfg.SourcePath, t.rules, t.sourceIdx, hashing, t.cfg.Debounce())

	t.pairs = nil
	for _, target := range t.cfg.TargetPaths {
		p := &pairRuntime{
			idx:  index.New(target),
			scan: index.NewScanner(target, t.rules, hashing),
		}
		if err := t.loadPersisted(p.idx); err != nil {
			return err
		}
		if t.cfg.Policy.Mode == config.TwoWay {
			p.watcher = watch.New(target, t.rules, p.idx, hashing, t.cfg.Debounce())
		}

		pair := engine.Pair{
			SourceRoot:   t.cfg.SourcePath,
			TargetRoot:   target,
			SourceIndex:  t.sourceIdx,
			TargetIndex:  p.idx,
			SourceNotify: t.sourceWatch,
			Store:        t.store,
		}
		if p.watcher != nil {
			pair.TargetNotify = p.watcher
		}
		p.exec = engine.NewExecutor(pair, t.cfg.Policy, t.locks, t.reporter)
		t.pairs = append(t.pairs, p)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.events = make(chan watch.Event, taskEventBuffer)

	if err := t.sourceWatch.Start(); err != nil {
		return err
	}
	t.forward(runCtx, t.sourceWatch)
	for _, p := range t.pairs {
		if p.watcher == nil {
			continue
		}
		if err := p.watcher.Start(); err != nil {
			return err
		}
		t.forward(runCtx, p.watcher)
	}

	// Initial full reconciliation before live events are consumed.
	t.sweep(ctx)

	t.wg.Add(1)
	go t.loop(runCtx)
	return nil
}

func (t *Task) loadPersisted(idx *index.Index) error {
	records, err := t.store.LoadRoot(idx.Root())
	if err != nil {
		return err
	}
	idx.Replace(records)
	return nil
}

// forward drains one watcher's event stream into the task's merged
// channel until the watcher closes it.
func (t *Task) forward(ctx context.Context, w *watch.Watcher) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for ev := range w.Events() {
			select {
			case t.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts event processing, detaches watchers and closes the store.
// A stopped task can be started again.
func (t *Task) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.State() {
	case StateRunning, StatePaused:
	default:
		return fmt.Errorf("task %s: %w: stop from %s", t.cfg.ID, ErrBadTransition, t.State())
	}
	t.setState(StateStopping)
	t.teardown()
	t.setState(StateStopped)
	return nil
}

func (t *Task) teardown() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.sourceWatch != nil {
		t.sourceWatch.Stop()
		t.sourceWatch = nil
	}
	for _, p := range t.pairs {
		if p.watcher != nil {
			p.watcher.Stop()
			p.watcher = nil
		}
	}
	t.wg.Wait()
	if t.store != nil {
		t.store.Close()
		t.store = nil
	}
}

// Pause keeps watchers attached but stops applying changes. Missed work
// is recovered by the full reconciliation Resume triggers.
func (t *Task) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() != StateRunning {
		return fmt.Errorf("task %s: %w: pause from %s", t.cfg.ID, ErrBadTransition, t.State())
	}
	t.setState(StatePaused)
	return nil
}

func (t *Task) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() != StatePaused {
		return fmt.Errorf("task %s: %w: resume from %s", t.cfg.ID, ErrBadTransition, t.State())
	}
	t.setState(StateRunning)
	t.RunNow()
	return nil
}

// RunNow requests an immediate full reconciliation. Coalesced when one
// is already queued.
func (t *Task) RunNow() {
	select {
	case t.runNow <- struct{}{}:
	default:
	}
}

func (t *Task) loop(ctx context.Context) {
	defer t.wg.Done()

	interval := t.cfg.SweepInterval()
	var sweepC <-chan time.Time
	var timer *time.Timer
	if interval > 0 {
		timer = time.NewTimer(interval)
		defer timer.Stop()
		sweepC = timer.C
	}
	reset := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-t.events:
			if t.State() != StateRunning {
				continue // resume sweeps, nothing is lost
			}
			t.handleEvent(ctx, ev)

		case <-t.runNow:
			if t.State() == StateRunning {
				t.sweep(ctx)
				reset()
			}

		case <-sweepC:
			if t.State() == StateRunning {
				t.sweep(ctx)
			}
			reset()
		}
	}
}

func (t *Task) handleEvent(ctx context.Context, ev watch.Event) {
	switch ev.Kind {
	case watch.RenamedFrom:
		// The RenamedTo half carries the pair.
	case watch.RenamedTo:
		t.handleRename(ctx, ev)
	default:
		t.reconcilePath(ctx, ev.RelPath)
	}
}

// handleRename propagates a correlated rename without re-copying
// content. Any side where the in-place rename cannot apply falls back
// to ordinary per-path reconciliation of both names.
func (t *Task) handleRename(ctx context.Context, ev watch.Event) {
	oldRel, newRel := ev.RenamePeer, ev.RelPath

	if ev.Root == t.sourceIdx.Root() {
		t.refreshPath(t.sourceScan, t.sourceIdx, newRel)
		t.sourceIdx.Remove(oldRel)
		for _, p := range t.pairs {
			t.applyRename(ctx, p, engine.ActionRenameTarget, oldRel, newRel)
		}
		return
	}

	for _, p := range t.pairs {
		if p.idx.Root() != ev.Root {
			// Other targets learn about the path through reconciliation.
			t.reconcilePathPair(ctx, p, oldRel)
			t.reconcilePathPair(ctx, p, newRel)
			continue
		}
		t.refreshPath(p.scan, p.idx, newRel)
		p.idx.Remove(oldRel)
		t.applyRename(ctx, p, engine.ActionRenameSource, oldRel, newRel)
	}
}

func (t *Task) applyRename(ctx context.Context, p *pairRuntime, kind engine.ActionKind, oldRel, newRel string) {
	action := engine.ResolvedAction{
		Kind:    kind,
		OldPath: oldRel,
		Entry:   engine.Entry{RelPath: newRel},
		Reason:  "rename propagated",
	}
	if out := p.exec.Apply(ctx, action); !out.Success {
		t.reconcilePathPair(ctx, p, oldRel)
		t.reconcilePathPair(ctx, p, newRel)
	}
}

// reconcilePath refreshes one path on every root and applies whatever
// the diff and policy decide.
func (t *Task) reconcilePath(ctx context.Context, rel string) {
	t.refreshPath(t.sourceScan, t.sourceIdx, rel)
	for _, p := range t.pairs {
		t.reconcilePathPair(ctx, p, rel)
	}
}

func (t *Task) reconcilePathPair(ctx context.Context, p *pairRuntime, rel string) {
	t.refreshPath(p.scan, p.idx, rel)
	entry := t.differ.Entry(rel, t.sourceIdx.Get(rel), p.idx.Get(rel))
	action := engine.Resolve(entry, t.cfg.Policy, time.Now())
	if action.Kind == engine.ActionNone {
		return
	}
	p.exec.Apply(ctx, action)
}

// refreshPath folds the current on-disk state of one path into an
// index, preserving its synced baseline.
func (t *Task) refreshPath(scan *index.Scanner, idx *index.Index, rel string) {
	rec, err := scan.StatPath(rel)
	if err != nil {
		slog.Warn("refresh stat failed", "task", t.cfg.ID, "path", rel, "error", err)
		return
	}
	if rec == nil {
		idx.Tombstone(rel)
		return
	}
	if old := idx.Get(rel); old != nil {
		rec.LastSyncedHash = old.LastSyncedHash
		rec.LastSyncedSize = old.LastSyncedSize
		rec.LastSyncedModTime = old.LastSyncedModTime
	}
	idx.Upsert(rec)
}

// sweep runs one full reconciliation: rescan every root, merge the
// fresh state with stored baselines, diff each pair and apply. It is
// both the initial sync and the safety net for missed watch events.
func (t *Task) sweep(ctx context.Context) {
	started := time.Now()

	fresh, err := t.sourceScan.Scan(ctx)
	if err != nil {
		slog.Error("sweep scan failed", "task", t.cfg.ID, "root", t.sourceIdx.Root(), "error", err)
		return
	}
	mergeBaselines(t.sourceIdx, fresh)
	t.sourceIdx.Replace(fresh)

	for _, p := range t.pairs {
		targetFresh, err := p.scan.Scan(ctx)
		if err != nil {
			slog.Error("sweep scan failed", "task", t.cfg.ID, "root", p.idx.Root(), "error", err)
			continue
		}
		mergeBaselines(p.idx, targetFresh)
		p.idx.Replace(targetFresh)

		entries := t.differ.DiffPair(t.sourceIdx.SnapshotMap(), p.idx.SnapshotMap())
		now := time.Now()
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			action := engine.Resolve(entry, t.cfg.Policy, now)
			if action.Kind == engine.ActionNone {
				continue
			}
			p.exec.Apply(ctx, action)
		}
	}

	t.lastSweep.Store(time.Now().UnixNano())
	slog.Info("sweep complete", "task", t.cfg.ID, "took", time.Since(started))
}

// mergeBaselines carries synced baselines from the index into a fresh
// scan and keeps tombstones for paths that disappeared between scans.
func mergeBaselines(idx *index.Index, fresh map[string]*index.FileRecord) {
	prior := idx.SnapshotMap()
	for rel, rec := range fresh {
		if old, ok := prior[rel]; ok {
			rec.LastSyncedHash = old.LastSyncedHash
			rec.LastSyncedSize = old.LastSyncedSize
			rec.LastSyncedModTime = old.LastSyncedModTime
		}
	}
	for rel, old := range prior {
		if _, ok := fresh[rel]; !ok {
			old.Exists = false
			fresh[rel] = old
		}
	}
}

// Status reports the task's current state and cumulative counters.
func (t *Task) Status() Status {
	t.mu.Lock()
	startedAt := t.startedAt
	lastErr := t.lastErr
	t.mu.Unlock()

	snap := t.reporter.Counters().Snapshot()
	st := Status{
		ID:        t.cfg.ID,
		Name:      t.cfg.Name,
		State:     t.State().String(),
		Mode:      string(t.cfg.Policy.Mode),
		Source:    t.cfg.SourcePath,
		Targets:   t.cfg.TargetPaths,
		StartedAt: startedAt,
		Counters:  snap,
		Bytes:     humanize.Bytes(uint64(snap.Bytes)),
	}
	if nano := t.lastSweep.Load(); nano > 0 {
		st.LastSweep = time.Unix(0, nano)
	}
	if lastErr != nil {
		st.Error = lastErr.Error()
	}
	return st
}
