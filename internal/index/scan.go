package index

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

const hashCacheSize = 8192

// PathFilter prunes excluded paths during a walk. Excluded directories
// are skipped entirely, not descended into.
type PathFilter interface {
	Include(relPath string, isDir bool) bool
}

type hashKey struct {
	path    string
	size    int64
	modUnix int64
}

// Scanner walks a root and produces current-state FileRecords. Content
// hashes are cached by (path, size, mtime) so unchanged files are not
// re-read on every sweep.
type Scanner struct {
	root    string
	filter  PathFilter
	hashing bool
	cache   *lru.Cache[hashKey, string]
}

func NewScanner(root string, filter PathFilter, hashing bool) *Scanner {
	cache, _ := lru.New[hashKey, string](hashCacheSize)
	return &Scanner{
		root:    root,
		filter:  filter,
		hashing: hashing,
		cache:   cache,
	}
}

// Scan walks the root and returns the current state keyed by relative
// path. Records carry no baseline; merging with prior index state is the
// caller's job.
func (sc *Scanner) Scan(ctx context.Context) (map[string]*FileRecord, error) {
	state := make(map[string]*FileRecord)

	err := filepath.WalkDir(sc.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil // raced with a delete, the watcher will catch up
			}
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if path == sc.root {
			return nil
		}

		rel, err := filepath.Rel(sc.root, path)
		if err != nil {
			return fmt.Errorf("rel path %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if !sc.filter.Include(rel, true) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !sc.filter.Include(rel, false) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("scan stat failed", "path", path, "error", err)
			return nil
		}

		rec := &FileRecord{
			RelPath: rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Exists:  true,
		}
		if sc.hashing {
			hash, err := sc.hashFile(path, info.Size(), info.ModTime().UnixNano())
			if err != nil {
				slog.Warn("scan hash failed", "path", path, "error", err)
				return nil
			}
			rec.Hash = hash
		}
		state[rel] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// StatPath refreshes a single relative path, returning nil when the file
// is gone. Used to fold live change events into current state.
func (sc *Scanner) StatPath(rel string) (*FileRecord, error) {
	abs := filepath.Join(sc.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() || !info.Mode().IsRegular() {
		return nil, nil
	}

	rec := &FileRecord{
		RelPath: rel,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Exists:  true,
	}
	if sc.hashing {
		hash, err := sc.hashFile(abs, info.Size(), info.ModTime().UnixNano())
		if err != nil {
			return nil, err
		}
		rec.Hash = hash
	}
	return rec, nil
}

func (sc *Scanner) hashFile(abs string, size, modUnix int64) (string, error) {
	key := hashKey{path: abs, size: size, modUnix: modUnix}
	if hash, ok := sc.cache.Get(key); ok {
		return hash, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	hash := fmt.Sprintf("%x", h.Sum(nil))
	sc.cache.Add(key, hash)
	return hash, nil
}
