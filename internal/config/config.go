package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	home, _           = os.UserHomeDir()
	DefaultDataDir    = filepath.Join(home, ".driftsync")
	DefaultConfigPath = filepath.Join(DefaultDataDir, "config.json")
	DefaultControl    = "127.0.0.1:7437"
)

const (
	DefaultDebounce      = 300 * time.Millisecond
	DefaultSweepInterval = 5 * time.Minute
)

var (
	ErrNoTasks        = errors.New("config has no tasks")
	ErrNoSource       = errors.New("task has no source path")
	ErrNoTargets      = errors.New("task has no target paths")
	ErrBadMode        = errors.New("unknown sync mode")
	ErrBadStrategy    = errors.New("unknown conflict strategy")
	ErrDuplicateRoots = errors.New("source and target paths overlap")
)

// SyncMode selects the direction of reconciliation for a task.
type SyncMode string

const (
	OneWay SyncMode = "one_way"
	TwoWay SyncMode = "two_way"
)

// ConflictStrategy decides the winner when a path diverged on both sides
// since its last synced baseline.
type ConflictStrategy string

const (
	NewestWins ConflictStrategy = "newest_wins"
	SourceWins ConflictStrategy = "source_wins"
	TargetWins ConflictStrategy = "target_wins"
	KeepBoth   ConflictStrategy = "keep_both"
)

// FilterRules configures which relative paths participate in sync.
type FilterRules struct {
	// Include globs. When non-empty a file must match at least one.
	Include []string `json:"include,omitempty"`
	// Exclude globs, checked before includes.
	Exclude []string `json:"exclude,omitempty"`
	// BuiltinOverrides are globs that punch through the built-in
	// excluded groups (VCS metadata, dependency caches, virtualenvs).
	BuiltinOverrides []string `json:"builtin_overrides,omitempty"`
	// DisableBuiltins turns off the built-in excluded groups entirely.
	DisableBuiltins bool `json:"disable_builtins,omitempty"`
}

// Policy is the immutable per-task behavior. Changing it requires
// restarting the task; running tasks never observe policy mutation.
type Policy struct {
	Mode               SyncMode         `json:"mode"`
	ConflictStrategy   ConflictStrategy `json:"conflict_strategy"`
	UseHashComparison  bool             `json:"use_hash_comparison"`
	DisableDelete      bool             `json:"disable_delete"`
	AllowReverseDelete bool             `json:"allow_reverse_delete"`
	Filters            FilterRules      `json:"filters"`
}

// TaskConfig describes one sync task: one source root fanned out to one or
// more target roots under a single policy.
type TaskConfig struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	SourcePath  string   `json:"source_path"`
	TargetPaths []string `json:"target_paths"`
	Policy      Policy   `json:"policy"`
	AutoStart   bool     `json:"auto_start"`
	// DebounceMs is the watcher debounce window. Zero means default.
	DebounceMs int `json:"debounce_ms,omitempty"`
	// SweepIntervalSec re-runs a full reconciliation this often as the
	// fallback for missed watch events. Zero means default, -1 disables.
	SweepIntervalSec int `json:"sweep_interval_sec,omitempty"`
}

// Debounce returns the effective watcher debounce window.
func (t *TaskConfig) Debounce() time.Duration {
	if t.DebounceMs <= 0 {
		return DefaultDebounce
	}
	return time.Duration(t.DebounceMs) * time.Millisecond
}

// SweepInterval returns the effective consistency sweep interval, or zero
// when sweeps are disabled.
func (t *TaskConfig) SweepInterval() time.Duration {
	switch {
	case t.SweepIntervalSec < 0:
		return 0
	case t.SweepIntervalSec == 0:
		return DefaultSweepInterval
	default:
		return time.Duration(t.SweepIntervalSec) * time.Second
	}
}

func (t *TaskConfig) Validate() error {
	if t.SourcePath == "" {
		return fmt.Errorf("task %q: %w", t.Name, ErrNoSource)
	}
	if len(t.TargetPaths) == 0 {
		return fmt.Errorf("task %q: %w", t.Name, ErrNoTargets)
	}
	switch t.Policy.Mode {
	case OneWay, TwoWay:
	default:
		return fmt.Errorf("task %q: %w: %q", t.Name, ErrBadMode, t.Policy.Mode)
	}
	switch t.Policy.ConflictStrategy {
	case NewestWins, SourceWins, TargetWins, KeepBoth:
	default:
		return fmt.Errorf("task %q: %w: %q", t.Name, ErrBadStrategy, t.Policy.ConflictStrategy)
	}
	src, err := filepath.Abs(t.SourcePath)
	if err != nil {
		return fmt.Errorf("task %q: resolve source: %w", t.Name, err)
	}
	for _, target := range t.TargetPaths {
		dst, err := filepath.Abs(target)
		if err != nil {
			return fmt.Errorf("task %q: resolve target: %w", t.Name, err)
		}
		if dst == src || isUnder(dst, src) || isUnder(src, dst) {
			return fmt.Errorf("task %q: %w: %s / %s", t.Name, ErrDuplicateRoots, src, dst)
		}
	}
	return nil
}

// isUnder reports whether path lies strictly inside root.
func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Config is the root daemon configuration, read once at startup.
type Config struct {
	DataDir     string       `json:"data_dir"`
	ControlAddr string       `json:"control_addr"`
	Tasks       []TaskConfig `json:"tasks"`
	Path        string       `json:"-"`
}

func (c *Config) Validate() error {
	if len(c.Tasks) == 0 {
		return ErrNoTasks
	}
	seen := make(map[string]struct{}, len(c.Tasks))
	for i := range c.Tasks {
		t := &c.Tasks[i]
		if t.ID == "" {
			t.ID = uuid.NewString()[:8]
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.ControlAddr == "" {
		c.ControlAddr = DefaultControl
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
