package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// readerConns is the number of concurrent read connections. WAL mode
	// allows many readers alongside the single writer; the daemon's query
	// load is light, so a small pool is plenty.
	readerConns = 4
)

// Open opens a SQLite database set up for a single-writer, multi-reader
// workload and returns a Pool wrapping both connection sets. The database
// file and its parent directory are created if missing.
func Open(path string) (*Pool, error) {
	path, err := preparePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	writer, err := openWriter(path)
	if err != nil {
		return nil, err
	}
	reader, err := openReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(writer, reader), nil
}

// openWriter opens the write connection. Writes are serialized through a
// single connection to avoid SQLITE_BUSY under contention.
func openWriter(path string) (*sqlx.DB, error) {
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks instead of failing immediately.
	// - journal_mode=WAL: readers proceed concurrently with the writer.
	// - synchronous=NORMAL: durability/perf tradeoff suited to app data.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// openReader opens the read-only pool. journal_mode and synchronous are
// database-level settings already applied by the writer.
func openReader(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	db.SetMaxOpenConns(readerConns)
	db.SetMaxIdleConns(readerConns)
	return db, nil
}

// preparePath resolves the database path and creates the parent directory
// and an empty database file when they do not exist yet. The read-only
// connection cannot create the file itself.
func preparePath(path string) (string, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return path, file.Close()
}
