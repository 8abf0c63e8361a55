package index

import (
	"sort"
	"sync"
)

// Index is the authoritative map of known file metadata for one root.
// It is the only mutable state shared between a root's event source
// (reads, for dedup and rename correlation) and the executor (writes,
// after apply); all access is serialized here.
type Index struct {
	root    string
	mu      sync.RWMutex
	records map[string]*FileRecord
}

func New(root string) *Index {
	return &Index{
		root:    root,
		records: make(map[string]*FileRecord),
	}
}

// Root returns the absolute root path this index describes.
func (ix *Index) Root() string {
	return ix.root
}

// Get returns a copy of the record for path, or nil when unknown.
func (ix *Index) Get(path string) *FileRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.records[path].Clone()
}

// Upsert stores a copy of record under its relative path.
func (ix *Index) Upsert(record *FileRecord) {
	if record == nil {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.records[record.RelPath] = record.Clone()
}

// Remove drops the entry entirely. Use Tombstone to keep deletion state.
func (ix *Index) Remove(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.records, path)
}

// Tombstone marks path as deleted while retaining its last known
// metadata until all roots have reconciled the deletion.
func (ix *Index) Tombstone(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if rec, ok := ix.records[path]; ok {
		rec.Exists = false
	}
}

// Len returns the number of live (non-tombstone) entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, rec := range ix.records {
		if rec.Exists {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all records, tombstones included, ordered
// by relative path. Used for full reconciliation and consistency sweeps.
func (ix *Index) Snapshot() []*FileRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*FileRecord, 0, len(ix.records))
	for _, rec := range ix.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out
}

// SnapshotMap returns a copied path->record view of the index.
func (ix *Index) SnapshotMap() map[string]*FileRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]*FileRecord, len(ix.records))
	for path, rec := range ix.records {
		out[path] = rec.Clone()
	}
	return out
}

// Replace swaps the full record set, keyed by relative path.
func (ix *Index) Replace(records map[string]*FileRecord) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.records = make(map[string]*FileRecord, len(records))
	for path, rec := range records {
		ix.records[path] = rec.Clone()
	}
}
