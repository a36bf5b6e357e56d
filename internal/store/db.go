package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned when the backup tables have not been created yet.
var ErrNotInitialized = errors.New("database not initialized: run 'posvault schedule get' or 'posvault serve' once to create the backup tables")

// Store wraps a SQLite database: either the primary database of the POS
// application or the separate state database holding the backup tables.
//
// The live handle can be swapped for a restored file while the Store is in use;
// every query holds the read side of mu and Swap holds the write side, so a
// query never observes a half-replaced database.
type Store struct {
	mu   sync.RWMutex
	path string
	db   *sql.DB
}

// New opens the database at dbPath.
// Use ":memory:" for in-memory databases (useful for testing).
func New(dbPath string) (*Store, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{path: dbPath, db: db}, nil
}

func open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool defaults
	db.SetMaxOpenConns(1) // SQLite only allows one writer at a time
	db.SetMaxIdleConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// Path returns the filesystem path of the live database.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// withDB runs fn against the live handle while holding off Swap.
func (s *Store) withDB(fn func(db *sql.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return fmt.Errorf("database %s is closed", s.path)
	}
	return fn(s.db)
}

// CreateSchema creates the backup bookkeeping tables.
func (s *Store) CreateSchema() error {
	return s.withDB(func(db *sql.DB) error {
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	})
}

// isNoSuchTable reports whether err comes from a missing bookkeeping table.
func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// CopyTo writes a transactionally consistent copy of the live database to dest
// using VACUUM INTO. Concurrent writers never leave a mixture of pre- and
// post-write state in dest. dest must not exist.
//
// The copy is switched to WAL journal mode so that restoring it and reopening
// it with the same pragmas leaves the file bytes unchanged.
func (s *Store) CopyTo(ctx context.Context, dest string) error {
	err := s.withDB(func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
			return fmt.Errorf("failed to copy database to %s: %w", dest, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	copyDB, err := sql.Open("sqlite", dest)
	if err != nil {
		return fmt.Errorf("failed to open copy %s: %w", dest, err)
	}
	defer copyDB.Close()

	if _, err := copyDB.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to set journal mode on copy %s: %w", dest, err)
	}
	return nil
}

// Verify runs PRAGMA quick_check against the database file at path.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", path, result)
	}
	return nil
}

// Swap atomically replaces the live database file with replacement and
// reopens it. Readers and writers of the Store are blocked for the duration.
//
// The live file is only ever replaced by rename, so a crash leaves either the
// old or the new database on disk. If the rename fails the old database is
// reopened and the Store stays usable.
func (s *Store) Swap(ctx context.Context, replacement string) error {
	if s.path == ":memory:" {
		return fmt.Errorf("cannot swap an in-memory database")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		// Fold the WAL into the main file so the old -wal is empty before it goes.
		if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return fmt.Errorf("failed to checkpoint database: %w", err)
		}
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
		s.db = nil
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
			return s.reopenAfter(fmt.Errorf("failed to remove %s: %w", s.path+suffix, err))
		}
	}

	if err := os.Rename(replacement, s.path); err != nil {
		return s.reopenAfter(fmt.Errorf("failed to replace database: %w", err))
	}

	if err := syncDir(filepath.Dir(s.path)); err != nil {
		return s.reopenAfter(fmt.Errorf("failed to sync database directory: %w", err))
	}

	return s.reopenAfter(nil)
}

// reopenAfter reopens the live path and returns cause, or the reopen error if
// cause is nil. Callers hold s.mu.
func (s *Store) reopenAfter(cause error) error {
	db, err := open(s.path)
	if err != nil {
		if cause != nil {
			return fmt.Errorf("%w (reopen also failed: %v)", cause, err)
		}
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	s.db = db
	return cause
}

// syncDir fsyncs a directory so a preceding rename is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
