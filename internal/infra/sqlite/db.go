// Package sqlite provides advisory checkpoint persistence for the fabric
// digital twin: a local embedded database a restarted process can read
// before its first topology reload completes. Reserve/Release/
// ApplyObservation never block on it — it is a best-effort mirror, not the
// state store's source of truth.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a *sql.DB opened against a modernc.org/sqlite (pure-Go, no cgo)
// connection, matching the teacher's driver choice.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite file at path and runs the
// checkpoint schema migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite: avoid concurrent-writer lock contention
	db := &DB{db: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) migrate() error {
	for _, stmt := range CheckpointMigrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}
