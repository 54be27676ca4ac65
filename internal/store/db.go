package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the SQLite connection behind a profile's history cache. The cache
// is a mirror of the remote store, never the source of truth; losing it
// costs a refetch, nothing more.
type DB struct {
	*sql.DB
}

// Open connects to the cache database at path. WAL keeps readers unblocked
// while the mirror engine writes; the busy timeout rides out checkpoint
// pauses.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	return &DB{db}, nil
}
