package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(path string, size int64) *FileRecord {
	return &FileRecord{
		RelPath: path,
		Size:    size,
		ModTime: time.Unix(1700000000, 0),
		Exists:  true,
	}
}

func TestIndex_UpsertGetIsolation(t *testing.T) {
	ix := New("/src")
	ix.Upsert(rec("a.txt", 10))

	got := ix.Get("a.txt")
	require.NotNil(t, got)
	assert.Equal(t, int64(10), got.Size)

	// Mutating the returned copy must not touch the index.
	got.Size = 999
	assert.Equal(t, int64(10), ix.Get("a.txt").Size)

	assert.Nil(t, ix.Get("missing.txt"))
}

func TestIndex_TombstoneAndLen(t *testing.T) {
	ix := New("/src")
	ix.Upsert(rec("a.txt", 1))
	ix.Upsert(rec("b.txt", 2))
	assert.Equal(t, 2, ix.Len())

	ix.Tombstone("a.txt")
	assert.Equal(t, 1, ix.Len())

	got := ix.Get("a.txt")
	require.NotNil(t, got, "tombstone is retained")
	assert.False(t, got.Exists)

	ix.Remove("a.txt")
	assert.Nil(t, ix.Get("a.txt"))
}

func TestIndex_SnapshotOrdered(t *testing.T) {
	ix := New("/src")
	ix.Upsert(rec("c.txt", 3))
	ix.Upsert(rec("a.txt", 1))
	ix.Upsert(rec("b/d.txt", 2))

	snap := ix.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a.txt", snap[0].RelPath)
	assert.Equal(t, "b/d.txt", snap[1].RelPath)
	assert.Equal(t, "c.txt", snap[2].RelPath)
}

func TestIndex_Replace(t *testing.T) {
	ix := New("/src")
	ix.Upsert(rec("old.txt", 1))

	ix.Replace(map[string]*FileRecord{
		"new.txt": rec("new.txt", 5),
	})
	assert.Nil(t, ix.Get("old.txt"))
	require.NotNil(t, ix.Get("new.txt"))
}

func TestFileRecord_Baseline(t *testing.T) {
	r := rec("a.txt", 10)
	assert.False(t, r.HasBaseline())

	r.Hash = "abc"
	r.MarkSynced()
	assert.True(t, r.HasBaseline())
	assert.Equal(t, "abc", r.LastSyncedHash)
	assert.Equal(t, int64(10), r.LastSyncedSize)
	assert.Equal(t, r.ModTime, r.LastSyncedModTime)
}
