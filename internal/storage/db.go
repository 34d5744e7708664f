// Package storage keeps the report journal: every publish attempt toward the
// collector, in a SQLite database next to the config file. The journal is an
// audit trail only; nothing is restored from it on start.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DefaultFile is the journal file name inside the device directory.
const DefaultFile = "journal.db"

// DB wraps a SQLite database for a mote
type DB struct {
	db   *sql.DB
	path string
	keep int
	mu   sync.RWMutex
}

// Open opens or creates the journal at path. keep bounds the number of rows
// retained; zero keeps everything.
func Open(path string, keep int) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode: the viewer reads while the loop writes.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _reports (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			kind       TEXT NOT NULL,
			topic      TEXT DEFAULT '',
			payload    TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create reports table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS _reports_kind ON _reports (kind)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create reports index: %w", err)
	}

	return &DB{db: db, path: path, keep: keep}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// SetMeta stores a key/value pair in the metadata table.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// Meta returns the value for key, or false if unset.
func (d *DB) Meta(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	if err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v); err != nil {
		return "", false
	}
	return v, true
}
