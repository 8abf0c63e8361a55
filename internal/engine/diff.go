package engine

import (
	"sort"
	"time"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/index"
)

// ModTimeTolerance absorbs filesystem timestamp granularity (FAT stores
// mtimes in 2 second steps) when comparing modification times.
const ModTimeTolerance = 2 * time.Second

// Classification is the per-path verdict of a source/target comparison
// against the last-synced baseline.
type Classification uint8

const (
	Identical Classification = iota
	SourceOnlyNew
	TargetOnlyNew
	SourceModified
	TargetModified
	BothModifiedConflict
	SourceDeleted
	TargetDeleted
	BothDeleted
)

var classNames = map[Classification]string{
	Identical:            "identical",
	SourceOnlyNew:        "source_only_new",
	TargetOnlyNew:        "target_only_new",
	SourceModified:       "source_modified",
	TargetModified:       "target_modified",
	BothModifiedConflict: "conflict",
	SourceDeleted:        "source_deleted",
	TargetDeleted:        "target_deleted",
	BothDeleted:          "both_deleted",
}

func (c Classification) String() string {
	return classNames[c]
}

// Entry is one classified path in a source/target pair diff.
type Entry struct {
	RelPath string
	Source  *index.FileRecord
	Target  *index.FileRecord
	Class   Classification
	// NeedsBaseline is set on Identical entries whose stored baseline is
	// stale or missing; the resolver turns it into a metadata-only
	// rebaseline so the next pass sees a clean Identical.
	NeedsBaseline bool
}

// Differ classifies paths for one source/target pair under a policy.
// The last-synced baseline is what distinguishes "changed since last
// sync" from "always has differed": a side is modified iff its current
// state differs from the pair's recorded baseline. That baseline lives
// on the target record: the target index is private to the pair, while
// the source index is shared by every pair fanning out from one root,
// so a baseline stamped there would leak between pairs.
type Differ struct {
	policy config.Policy
}

func NewDiffer(policy config.Policy) *Differ {
	return &Differ{policy: policy}
}

// equal reports whether two live records hold the same content. With
// hash comparison enabled the hash is authoritative; otherwise size plus
// mtime within tolerance.
func (d *Differ) equal(a, b *index.FileRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	if d.policy.UseHashComparison && a.Hash != "" && b.Hash != "" {
		return a.Hash == b.Hash
	}
	if a.Size != b.Size {
		return false
	}
	return within(a.ModTime, b.ModTime, ModTimeTolerance)
}

// changedSince reports whether rec's current state diverged from the
// pair baseline carried on base. A missing baseline means the pair has
// never confirmed the path in sync and counts as changed.
func (d *Differ) changedSince(rec, base *index.FileRecord) bool {
	if base == nil || !base.HasBaseline() {
		return true
	}
	if d.policy.UseHashComparison && rec.Hash != "" && base.LastSyncedHash != "" {
		return rec.Hash != base.LastSyncedHash
	}
	if rec.Size != base.LastSyncedSize {
		return true
	}
	return !within(rec.ModTime, base.LastSyncedModTime, ModTimeTolerance)
}

// Classify renders the verdict for one path given the two sides'
// records (nil means the side has never seen the path; a record with
// Exists=false is a tombstone).
func (d *Differ) Classify(src, dst *index.FileRecord) Classification {
	srcAlive := src != nil && src.Exists
	dstAlive := dst != nil && dst.Exists

	switch {
	case !srcAlive && !dstAlive:
		if src == nil && dst == nil {
			return Identical
		}
		return BothDeleted

	case srcAlive && !dstAlive:
		// This pair synced the path before only if the target record
		// still carries a baseline; tombstones keep theirs until purged.
		if dst != nil && dst.HasBaseline() {
			if d.changedSince(src, dst) {
				// Delete-versus-modify: resurrecting the file is the
				// least destructive reading.
				return SourceModified
			}
			return TargetDeleted
		}
		return SourceOnlyNew

	case !srcAlive && dstAlive:
		if dst.HasBaseline() {
			if d.changedSince(dst, dst) {
				return TargetModified
			}
			return SourceDeleted
		}
		return TargetOnlyNew
	}

	// Both alive. The target record carries the pair baseline for both
	// comparisons.
	srcChanged := d.changedSince(src, dst)
	dstChanged := d.changedSince(dst, dst)
	if d.equal(src, dst) {
		return Identical
	}
	switch {
	case srcChanged && dstChanged:
		return BothModifiedConflict
	case srcChanged:
		return SourceModified
	case dstChanged:
		return TargetModified
	default:
		// Neither side moved off the baseline yet the records differ:
		// each mtime sits within tolerance of the baseline but not of
		// the other side. Treat as a conflict, never guess.
		return BothModifiedConflict
	}
}

// Entry classifies a single path, including the stale-baseline check
// DiffPair performs. Used for event-driven per-path reconciliation.
func (d *Differ) Entry(rel string, src, dst *index.FileRecord) Entry {
	e := Entry{
		RelPath: rel,
		Source:  src,
		Target:  dst,
		Class:   d.Classify(src, dst),
	}
	if e.Class == Identical && src != nil && dst != nil {
		if d.changedSince(src, dst) || d.changedSince(dst, dst) {
			e.NeedsBaseline = true
		}
	}
	return e
}

// DiffPair classifies the union of paths across two index snapshots,
// ordered by relative path for deterministic apply order.
func (d *Differ) DiffPair(source, target map[string]*index.FileRecord) []Entry {
	paths := make(map[string]struct{}, len(source)+len(target))
	for p := range source {
		paths[p] = struct{}{}
	}
	for p := range target {
		paths[p] = struct{}{}
	}

	out := make([]Entry, 0, len(paths))
	for p := range paths {
		out = append(out, d.Entry(p, source[p], target[p]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out
}

func within(a, b time.Time, tolerance time.Duration) bool {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta <= tolerance
}
