package index

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS file_index (
    root TEXT NOT NULL,
    path TEXT NOT NULL,
    size INTEGER NOT NULL,
    mod_time TEXT NOT NULL,
    hash TEXT NOT NULL DEFAULT '',
    exists_flag INTEGER NOT NULL DEFAULT 1,
    last_synced_hash TEXT NOT NULL DEFAULT '',
    last_synced_size INTEGER NOT NULL DEFAULT 0,
    last_synced_mod_time TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (root, path)
);

CREATE INDEX IF NOT EXISTS idx_file_index_root ON file_index(root);
`

// Store persists index records across restarts so a task can resume
// without re-treating every file as never synced. In-memory indices stay
// authoritative at runtime; the store is written behind them.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewStore creates or opens the task's index database.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=rwc&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index db %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // WAL + single writer

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save upserts one record for the given root.
func (s *Store) Save(root string, rec *FileRecord) error {
	if rec == nil {
		return errors.New("cannot save nil record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO file_index
		 (root, path, size, mod_time, hash, exists_flag, last_synced_hash, last_synced_size, last_synced_mod_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		root, rec.RelPath, rec.Size, formatTime(rec.ModTime), rec.Hash, boolToInt(rec.Exists),
		rec.LastSyncedHash, rec.LastSyncedSize, formatTime(rec.LastSyncedModTime),
	)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.RelPath, err)
	}
	return nil
}

// Delete removes one record for the given root.
func (s *Store) Delete(root, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM file_index WHERE root = ? AND path = ?", root, path); err != nil {
		return fmt.Errorf("delete record %s: %w", path, err)
	}
	return nil
}

// LoadRoot returns all persisted records for one root, keyed by path.
func (s *Store) LoadRoot(root string) (map[string]*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT path, size, mod_time, hash, exists_flag, last_synced_hash, last_synced_size, last_synced_mod_time
		 FROM file_index WHERE root = ?`, root)
	if err != nil {
		return nil, fmt.Errorf("load root %s: %w", root, err)
	}
	defer rows.Close()

	out := make(map[string]*FileRecord)
	for rows.Next() {
		var rec FileRecord
		var modTime, syncedTime string
		var exists int
		if err := rows.Scan(&rec.RelPath, &rec.Size, &modTime, &rec.Hash, &exists,
			&rec.LastSyncedHash, &rec.LastSyncedSize, &syncedTime); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Exists = exists != 0
		if rec.ModTime, err = parseTime(modTime); err != nil {
			return nil, fmt.Errorf("parse mod_time for %s: %w", rec.RelPath, err)
		}
		if rec.LastSyncedModTime, err = parseTime(syncedTime); err != nil {
			return nil, fmt.Errorf("parse last_synced_mod_time for %s: %w", rec.RelPath, err)
		}
		out[rec.RelPath] = &rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Count returns the number of persisted records for one root.
func (s *Store) Count(root string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM file_index WHERE root = ?", root).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
