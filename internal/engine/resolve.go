package engine

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/config"
)

// ActionKind is what the executor should do for one classified path.
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	ActionCopyToTarget
	ActionCopyToSource
	ActionDeleteTarget
	ActionDeleteSource
	// ActionKeepBoth renames the target's version aside under
	// ConflictName, then installs the source's version under the
	// original name on both roots.
	ActionKeepBoth
	// ActionPurgeTombstones drops bookkeeping for a path deleted on
	// both sides. No filesystem I/O.
	ActionPurgeTombstones
	// ActionRebaseline re-stamps the baseline for a path whose contents
	// already agree. No filesystem I/O.
	ActionRebaseline
	// ActionRenameTarget and ActionRenameSource propagate a correlated
	// rename by renaming in place instead of re-copying content. Issued
	// from rename events, never from Resolve.
	ActionRenameTarget
	ActionRenameSource
)

var actionNames = map[ActionKind]string{
	ActionNone:            "none",
	ActionCopyToTarget:    "copy_to_target",
	ActionCopyToSource:    "copy_to_source",
	ActionDeleteTarget:    "delete_target",
	ActionDeleteSource:    "delete_source",
	ActionKeepBoth:        "keep_both",
	ActionPurgeTombstones: "purge",
	ActionRebaseline:      "rebaseline",
	ActionRenameTarget:    "rename_target",
	ActionRenameSource:    "rename_source",
}

func (k ActionKind) String() string {
	return actionNames[k]
}

// ResolvedAction is a decided, executable plan for one path.
type ResolvedAction struct {
	Kind  ActionKind
	Entry Entry
	// Reason is a short human-readable note for the outcome log.
	Reason string
	// ConflictName is the relative path the target's losing version is
	// renamed to under ActionKeepBoth.
	ConflictName string
	// OldPath is the pre-rename path for ActionRenameTarget and
	// ActionRenameSource; Entry.RelPath holds the new path.
	OldPath string
}

// Resolve maps one classified entry to an action under the task policy.
// It is pure and total: every classification yields an action (possibly
// ActionNone) and it never touches the filesystem. Delete safety is
// evaluated before any strategy.
func Resolve(e Entry, p config.Policy, now time.Time) ResolvedAction {
	act := func(kind ActionKind, reason string) ResolvedAction {
		return ResolvedAction{Kind: kind, Entry: e, Reason: reason}
	}

	switch e.Class {
	case Identical:
		if e.NeedsBaseline {
			return act(ActionRebaseline, "contents agree, baseline stale")
		}
		return act(ActionNone, "in sync")

	case SourceOnlyNew:
		return act(ActionCopyToTarget, "new on source")

	case SourceModified:
		return act(ActionCopyToTarget, "source changed")

	case TargetOnlyNew:
		if p.Mode == config.OneWay {
			return act(ActionNone, "target-only path ignored in one-way mode")
		}
		return act(ActionCopyToSource, "new on target")

	case TargetModified:
		if p.Mode == config.OneWay {
			return act(ActionNone, "target change ignored in one-way mode")
		}
		return act(ActionCopyToSource, "target changed")

	case SourceDeleted:
		if p.DisableDelete {
			return act(ActionNone, "deletion propagation disabled")
		}
		if p.Mode == config.OneWay && !p.AllowReverseDelete {
			return act(ActionNone, "source deletion not propagated without allow_reverse_delete")
		}
		return act(ActionDeleteTarget, "deleted on source")

	case TargetDeleted:
		if p.Mode == config.OneWay {
			// The source stays authoritative: restore the file.
			return act(ActionCopyToTarget, "restoring file deleted on target")
		}
		if p.DisableDelete {
			return act(ActionNone, "deletion propagation disabled")
		}
		return act(ActionDeleteSource, "deleted on target")

	case BothDeleted:
		return act(ActionPurgeTombstones, "deleted on both sides")

	case BothModifiedConflict:
		return resolveConflict(e, p, now)
	}

	return act(ActionNone, "unknown classification")
}

// resolveConflict picks the action for a both-modified path. Under
// NewestWins only a timestamp gap wider than ModTimeTolerance picks a
// winner; anything closer is indistinguishable from filesystem
// timestamp granularity and is treated as a tie, degrading to keep-both
// rather than guessing.
func resolveConflict(e Entry, p config.Policy, now time.Time) ResolvedAction {
	keepBoth := func(reason string) ResolvedAction {
		return ResolvedAction{
			Kind:         ActionKeepBoth,
			Entry:        e,
			Reason:       reason,
			ConflictName: ConflictName(e.RelPath, now),
		}
	}

	switch p.ConflictStrategy {
	case config.SourceWins:
		return ResolvedAction{Kind: ActionCopyToTarget, Entry: e, Reason: "conflict, source wins"}

	case config.TargetWins:
		if p.Mode == config.OneWay {
			return ResolvedAction{Kind: ActionNone, Entry: e, Reason: "conflict, target preserved"}
		}
		return ResolvedAction{Kind: ActionCopyToSource, Entry: e, Reason: "conflict, target wins"}

	case config.NewestWins:
		srcNewer := e.Source.ModTime.Sub(e.Target.ModTime) > ModTimeTolerance
		dstNewer := e.Target.ModTime.Sub(e.Source.ModTime) > ModTimeTolerance
		switch {
		case srcNewer:
			return ResolvedAction{Kind: ActionCopyToTarget, Entry: e, Reason: "conflict, source newer"}
		case dstNewer:
			if p.Mode == config.OneWay {
				return ResolvedAction{Kind: ActionNone, Entry: e, Reason: "conflict, target newer, preserved"}
			}
			return ResolvedAction{Kind: ActionCopyToSource, Entry: e, Reason: "conflict, target newer"}
		default:
			// A timestamp tie cannot pick a winner deterministically.
			return keepBoth("conflict, timestamps tie, keeping both")
		}

	case config.KeepBoth:
		return keepBoth("conflict, keeping both versions")
	}

	return ResolvedAction{Kind: ActionNone, Entry: e, Reason: "unknown conflict strategy"}
}

// ConflictName derives the deterministic sibling name the target's
// losing version is preserved under, e.g. "report (target-copy,
// 20260101-093000).pdf". Deterministic naming keeps retries idempotent
// within one apply.
func ConflictName(relPath string, now time.Time) string {
	dir := path.Dir(relPath)
	base := path.Base(relPath)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	renamed := fmt.Sprintf("%s (target-copy, %s)%s", stem, now.UTC().Format("20060102-150405"), ext)
	if dir == "." {
		return renamed
	}
	return path.Join(dir, renamed)
}
