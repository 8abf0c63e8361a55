package index

import (
	"time"
)

// FileRecord is one entry per relative path known to a root's index.
// LastSynced* hold the values observed the last time this path was
// confirmed in sync for one source/target pair. The baseline is kept on
// the target side's record only: a target index belongs to exactly one
// pair, while the source index is shared by every pair fanning out from
// the root. A zero LastSyncedModTime with an empty LastSyncedHash means
// the baseline is unknown and the path must be treated as never synced.
type FileRecord struct {
	RelPath string
	Size    int64
	ModTime time.Time
	// Hash is the MD5 of the content, present only when hash comparison
	// is enabled for the task.
	Hash string
	// Exists is false for tombstones: the path was deleted and the entry
	// is retained only until every root has reconciled the deletion.
	Exists bool

	LastSyncedHash    string
	LastSyncedSize    int64
	LastSyncedModTime time.Time
}

// HasBaseline reports whether the record has ever been confirmed in sync.
func (r *FileRecord) HasBaseline() bool {
	return r.LastSyncedHash != "" || !r.LastSyncedModTime.IsZero()
}

// Clone returns a copy so callers can mutate without racing the index.
func (r *FileRecord) Clone() *FileRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// MarkSynced stamps the record's current state as the new baseline.
func (r *FileRecord) MarkSynced() {
	r.LastSyncedHash = r.Hash
	r.LastSyncedSize = r.Size
	r.LastSyncedModTime = r.ModTime
}
