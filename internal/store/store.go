// Package store wraps the embedded sqlite database that backs workspaces,
// sessions, ingestion state, transcript entries, and conversations (§3).
// It runs under WAL mode so the ingestion pipeline, gateway, and librarian
// worker can read and write concurrently without a central lock.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/claudia-dev/claudia/internal/protocol"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store is the embedded sqlite handle shared by every component that
// touches persisted state.
type Store struct {
	db *sql.DB
}

// Open applies pending migrations and returns a ready Store. path is a
// filesystem path, not a DSN; the WAL pragmas below are appended to it.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite writers serialize regardless; one conn avoids SQLITE_BUSY storms

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Migrator builds a *migrate.Migrate bound to the sqlite file at path,
// using the same embedded migration set Open applies automatically.
// cmd/claudia's migrate subcommand uses it for explicit up/down/version/
// force operations an operator can drive by hand.
func Migrator(path string) (*migrate.Migrate, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		db.Close()
		return nil, err
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	return migrate.NewWithInstance("iofs", src, "sqlite3", driver)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// busyRetryAttempts and busyRetryBackoff bound the retry loop in
// busyRetry: under WAL mode SQLITE_BUSY is rare with a single writer conn
// but still possible when an external sqlite3 CLI holds a lock during
// debugging (§5).
const (
	busyRetryAttempts = 5
	busyRetryBackoff  = 20 * time.Millisecond
)

// busyRetry runs fn, retrying a bounded number of times on SQLITE_BUSY /
// SQLITE_LOCKED before surfacing ErrStoreConflict.
func busyRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		time.Sleep(busyRetryBackoff * time.Duration(attempt+1))
	}
	return protocol.Errorf(protocol.ErrStoreConflict, err.Error())
}

func isBusyErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "SQLITE_LOCKED") || strings.Contains(msg, "database is locked")
}

// notFoundErr adapts sql.ErrNoRows into the tagged error taxonomy.
func notFoundErr(kind protocol.ErrorKind, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Errorf(kind, "not found")
	}
	return err
}
