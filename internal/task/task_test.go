package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/config"
)

func taskConfig(t *testing.T, mode config.SyncMode, strategy config.ConflictStrategy) config.TaskConfig {
	t.Helper()
	return config.TaskConfig{
		ID:               "t-" + t.Name(),
		Name:             t.Name(),
		SourcePath:       t.TempDir(),
		TargetPaths:      []string{t.TempDir()},
		SweepIntervalSec: -1, // sweeps are driven explicitly in tests
		DebounceMs:       10,
		Policy: config.Policy{
			Mode:              mode,
			ConflictStrategy:  strategy,
			UseHashComparison: true,
		},
	}
}

func startTask(t *testing.T, cfg config.TaskConfig) *Task {
	t.Helper()
	tk, err := New(cfg, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tk.Start(context.Background()))
	t.Cleanup(func() {
		if tk.State() == StateRunning || tk.State() == StatePaused {
			require.NoError(t, tk.Stop())
		}
	})
	return tk
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func read(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestTask_InitialSyncMirrorsSource(t *testing.T) {
	cfg := taskConfig(t, config.OneWay, config.NewestWins)
	write(t, cfg.SourcePath, "a.txt", "alpha")
	write(t, cfg.SourcePath, "docs/b.txt", "beta")

	startTask(t, cfg)

	target := cfg.TargetPaths[0]
	assert.Equal(t, "alpha", read(t, target, "a.txt"))
	assert.Equal(t, "beta", read(t, target, "docs/b.txt"))
}

func TestTask_OneWayLeavesTargetOrphansAlone(t *testing.T) {
	cfg := taskConfig(t, config.OneWay, config.NewestWins)
	write(t, cfg.SourcePath, "a.txt", "alpha")
	write(t, cfg.TargetPaths[0], "orphan.txt", "target only")

	tk := startTask(t, cfg)
	tk.sweep(context.Background())

	assert.Equal(t, "target only", read(t, cfg.TargetPaths[0], "orphan.txt"))
	assert.NoFileExists(t, filepath.Join(cfg.SourcePath, "orphan.txt"))
}

func TestTask_OneWayRestoresDeletedTargetFile(t *testing.T) {
	cfg := taskConfig(t, config.OneWay, config.NewestWins)
	write(t, cfg.SourcePath, "a.txt", "alpha")

	tk := startTask(t, cfg)
	target := cfg.TargetPaths[0]
	require.Equal(t, "alpha", read(t, target, "a.txt"))

	require.NoError(t, os.Remove(filepath.Join(target, "a.txt")))
	tk.sweep(context.Background())

	assert.Equal(t, "alpha", read(t, target, "a.txt"))
}

func TestTask_OneWayDeletePropagation(t *testing.T) {
	t.Run("blocked by default", func(t *testing.T) {
		cfg := taskConfig(t, config.OneWay, config.NewestWins)
		write(t, cfg.SourcePath, "a.txt", "alpha")

		tk := startTask(t, cfg)
		require.NoError(t, os.Remove(filepath.Join(cfg.SourcePath, "a.txt")))
		tk.sweep(context.Background())

		assert.FileExists(t, filepath.Join(cfg.TargetPaths[0], "a.txt"))
	})

	t.Run("allowed with allow_reverse_delete", func(t *testing.T) {
		cfg := taskConfig(t, config.OneWay, config.NewestWins)
		cfg.Policy.AllowReverseDelete = true
		write(t, cfg.SourcePath, "a.txt", "alpha")

		tk := startTask(t, cfg)
		require.NoError(t, os.Remove(filepath.Join(cfg.SourcePath, "a.txt")))
		tk.sweep(context.Background())

		assert.NoFileExists(t, filepath.Join(cfg.TargetPaths[0], "a.txt"))
	})

	t.Run("disable_delete overrides", func(t *testing.T) {
		cfg := taskConfig(t, config.OneWay, config.NewestWins)
		cfg.Policy.AllowReverseDelete = true
		cfg.Policy.DisableDelete = true
		write(t, cfg.SourcePath, "a.txt", "alpha")

		tk := startTask(t, cfg)
		require.NoError(t, os.Remove(filepath.Join(cfg.SourcePath, "a.txt")))
		tk.sweep(context.Background())

		assert.FileExists(t, filepath.Join(cfg.TargetPaths[0], "a.txt"))
	})
}

func TestTask_TwoWayPropagatesTargetChanges(t *testing.T) {
	cfg := taskConfig(t, config.TwoWay, config.NewestWins)
	tk := startTask(t, cfg)

	write(t, cfg.TargetPaths[0], "from-target.txt", "hi")
	tk.sweep(context.Background())

	assert.Equal(t, "hi", read(t, cfg.SourcePath, "from-target.txt"))
}

func TestTask_TwoWayDeletePropagatesFromTarget(t *testing.T) {
	cfg := taskConfig(t, config.TwoWay, config.NewestWins)
	write(t, cfg.SourcePath, "a.txt", "alpha")

	tk := startTask(t, cfg)
	require.FileExists(t, filepath.Join(cfg.TargetPaths[0], "a.txt"))

	require.NoError(t, os.Remove(filepath.Join(cfg.TargetPaths[0], "a.txt")))
	tk.sweep(context.Background())

	assert.NoFileExists(t, filepath.Join(cfg.SourcePath, "a.txt"))
}

func TestTask_KeepBothPreservesBothVersions(t *testing.T) {
	cfg := taskConfig(t, config.TwoWay, config.KeepBoth)
	write(t, cfg.SourcePath, "report.txt", "source version")
	write(t, cfg.TargetPaths[0], "report.txt", "target version")

	startTask(t, cfg)

	target := cfg.TargetPaths[0]
	assert.Equal(t, "source version", read(t, cfg.SourcePath, "report.txt"))
	assert.Equal(t, "source version", read(t, target, "report.txt"))

	// The losing version survives byte for byte on both roots.
	var conflictNames []string
	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() != "report.txt" {
			conflictNames = append(conflictNames, e.Name())
		}
	}
	require.Len(t, conflictNames, 1)
	assert.Contains(t, conflictNames[0], "target-copy")
	assert.Equal(t, "target version", read(t, target, conflictNames[0]))
	assert.Equal(t, "target version", read(t, cfg.SourcePath, conflictNames[0]))
}

func TestTask_SweepIsIdempotent(t *testing.T) {
	cfg := taskConfig(t, config.TwoWay, config.NewestWins)
	write(t, cfg.SourcePath, "a.txt", "alpha")
	write(t, cfg.SourcePath, "b.txt", "beta")

	tk := startTask(t, cfg)
	copied := tk.reporter.Counters().Snapshot().Copied
	require.Equal(t, int64(2), copied)

	tk.sweep(context.Background())
	tk.sweep(context.Background())

	assert.Equal(t, copied, tk.reporter.Counters().Snapshot().Copied,
		"repeat sweeps over a synced pair apply nothing")
}

func TestTask_FanOutToMultipleTargets(t *testing.T) {
	cfg := taskConfig(t, config.OneWay, config.NewestWins)
	cfg.TargetPaths = append(cfg.TargetPaths, t.TempDir())
	write(t, cfg.SourcePath, "a.txt", "alpha")

	startTask(t, cfg)

	for _, target := range cfg.TargetPaths {
		assert.Equal(t, "alpha", read(t, target, "a.txt"))
	}
}

func TestTask_TwoWayFanOutKeepsNewSourceFile(t *testing.T) {
	cfg := taskConfig(t, config.TwoWay, config.NewestWins)
	cfg.TargetPaths = append(cfg.TargetPaths, t.TempDir())
	write(t, cfg.SourcePath, "a.txt", "alpha")

	// The first pair's copy stamps a baseline; the second pair must read
	// the path as new on its own target, not as deleted there.
	tk := startTask(t, cfg)

	assert.Equal(t, "alpha", read(t, cfg.SourcePath, "a.txt"))
	for _, target := range cfg.TargetPaths {
		assert.Equal(t, "alpha", read(t, target, "a.txt"))
	}

	tk.sweep(context.Background())
	assert.FileExists(t, filepath.Join(cfg.SourcePath, "a.txt"))
	for _, target := range cfg.TargetPaths {
		assert.FileExists(t, filepath.Join(target, "a.txt"))
	}
}

func TestTask_FanOutModifyReachesEveryTarget(t *testing.T) {
	cfg := taskConfig(t, config.OneWay, config.KeepBoth)
	cfg.TargetPaths = append(cfg.TargetPaths, t.TempDir())
	write(t, cfg.SourcePath, "a.txt", "v1")

	tk := startTask(t, cfg)
	for _, target := range cfg.TargetPaths {
		require.Equal(t, "v1", read(t, target, "a.txt"))
	}

	write(t, cfg.SourcePath, "a.txt", "v2")
	tk.sweep(context.Background())

	// Every target takes the plain update; none may mistake its stale
	// copy for a conflict and rename it aside.
	for _, target := range cfg.TargetPaths {
		entries, err := os.ReadDir(target)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no conflict copies in %s", target)
		assert.Equal(t, "v2", read(t, target, "a.txt"))
	}
}

func TestTask_FilteredPathsNeverSync(t *testing.T) {
	cfg := taskConfig(t, config.OneWay, config.NewestWins)
	write(t, cfg.SourcePath, "keep.txt", "x")
	write(t, cfg.SourcePath, ".git/HEAD", "ref")
	write(t, cfg.SourcePath, "scratch.tmp", "x")

	startTask(t, cfg)

	target := cfg.TargetPaths[0]
	assert.FileExists(t, filepath.Join(target, "keep.txt"))
	assert.NoFileExists(t, filepath.Join(target, ".git/HEAD"))
	assert.NoFileExists(t, filepath.Join(target, "scratch.tmp"))
}

func TestTask_BaselineSurvivesRestart(t *testing.T) {
	cfg := taskConfig(t, config.TwoWay, config.NewestWins)
	dataDir := t.TempDir()
	write(t, cfg.SourcePath, "a.txt", "alpha")

	tk, err := New(cfg, dataDir)
	require.NoError(t, err)
	require.NoError(t, tk.Start(context.Background()))
	copied := tk.reporter.Counters().Snapshot().Copied
	require.Equal(t, int64(1), copied)
	require.NoError(t, tk.Stop())

	// Restart: nothing changed on disk, the initial sweep must be a no-op.
	require.NoError(t, tk.Start(context.Background()))
	defer tk.Stop()
	assert.Equal(t, copied, tk.reporter.Counters().Snapshot().Copied)
}

func TestTask_StateTransitions(t *testing.T) {
	cfg := taskConfig(t, config.OneWay, config.NewestWins)
	tk, err := New(cfg, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, StateIdle, tk.State())
	assert.Error(t, tk.Stop(), "stop before start")
	assert.Error(t, tk.Pause(), "pause before start")

	require.NoError(t, tk.Start(context.Background()))
	assert.Equal(t, StateRunning, tk.State())
	assert.Error(t, tk.Start(context.Background()), "double start")

	require.NoError(t, tk.Pause())
	assert.Equal(t, StatePaused, tk.State())
	assert.Error(t, tk.Pause(), "double pause")

	require.NoError(t, tk.Resume())
	assert.Equal(t, StateRunning, tk.State())

	require.NoError(t, tk.Stop())
	assert.Equal(t, StateStopped, tk.State())

	require.NoError(t, tk.Start(context.Background()), "restart after stop")
	require.NoError(t, tk.Stop())
}

func TestTask_StartFailsOnMissingSource(t *testing.T) {
	cfg := taskConfig(t, config.OneWay, config.NewestWins)
	cfg.SourcePath = filepath.Join(t.TempDir(), "does-not-exist")

	tk, err := New(cfg, t.TempDir())
	require.NoError(t, err)
	require.Error(t, tk.Start(context.Background()))
	assert.Equal(t, StateFailed, tk.State())

	st := tk.Status()
	assert.Equal(t, "failed", st.State)
	assert.NotEmpty(t, st.Error)
}

func TestTask_Status(t *testing.T) {
	cfg := taskConfig(t, config.OneWay, config.NewestWins)
	write(t, cfg.SourcePath, "a.txt", "alpha")

	tk := startTask(t, cfg)
	st := tk.Status()

	assert.Equal(t, cfg.ID, st.ID)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, "one_way", st.Mode)
	assert.Equal(t, int64(1), st.Counters.Copied)
	assert.NotEmpty(t, st.Bytes)
	assert.False(t, st.LastSweep.IsZero())
}
