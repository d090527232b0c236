// Package store is the durable state layer: two embedded SQLite databases
// (auth.db for identity, jobs.db for jobs/uploads/library) accessed through
// typed operations. Each database file has a single in-process writer,
// serialized by a mutex, and a process-level lock file that makes
// concurrent opens from another process fail fast.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration
)

//go:embed migrations
var migrationsFS embed.FS

// Sentinel errors shared by every store.
var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLocked is returned when another process holds the database lock.
	ErrLocked = errors.New("database is locked by another process")
	// ErrConflict is returned on state-machine or uniqueness violations.
	ErrConflict = errors.New("conflict")
)

// db wraps one SQLite file with its writer lock and process lock file.
type db struct {
	conn     *sqlx.DB
	writerMu sync.Mutex
	lockPath string
}

// openDB guards the path, acquires the process lock file, opens the
// connection with WAL + full synchronous, and applies migrations from the
// named subdirectory of the embedded migrations tree.
func openDB(path, migrationDir string) (*db, error) {
	if err := guardDBPath(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	lockPath := path + ".lock"
	if err := acquireLockFile(lockPath); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on", path)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		releaseLockFile(lockPath)
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// SQLite allows one writer; extra connections only add lock contention.
	conn.SetMaxOpenConns(1)

	if err := runMigrations(conn.DB, migrationDir); err != nil {
		_ = conn.Close()
		releaseLockFile(lockPath)
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}

	return &db{conn: conn, lockPath: lockPath}, nil
}

func (d *db) close() error {
	err := d.conn.Close()
	releaseLockFile(d.lockPath)
	return err
}

// runMigrations applies embedded SQL migrations with golang-migrate.
func runMigrations(conn *sql.DB, migrationDir string) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+migrationDir)
	if err != nil {
		return fmt.Errorf("locating migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// acquireLockFile creates <db>.lock exclusively, writing our pid. A lock
// held by a dead process is stolen; a live holder means ErrLocked.
func acquireLockFile(path string) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				releaseLockFile(path)
				return fmt.Errorf("writing lock file %s: %w", path, errors.Join(werr, cerr))
			}
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file %s: %w", path, err)
		}
		if holderAlive(path) {
			return fmt.Errorf("%w: lock file %s", ErrLocked, path)
		}
		slog.Warn("Removing stale database lock file", "path", path)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("removing stale lock %s: %w", path, rmErr)
		}
	}
	return fmt.Errorf("%w: lock file %s", ErrLocked, path)
}

func holderAlive(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func releaseLockFile(path string) {
	_ = os.Remove(path)
}

// forbiddenDBSegments are path segments no state database may live under.
// These are transient or VCS-adjacent directories where a sensitive DB
// would be clobbered or accidentally committed.
var forbiddenDBSegments = map[string]bool{
	"build":        true,
	"dist":         true,
	"backups":      true,
	"_tmp":         true,
	"node_modules": true,
}

// guardDBPath refuses to open a state database under a forbidden segment.
func guardDBPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving db path: %w", err)
	}
	for _, seg := range strings.Split(filepath.ToSlash(abs), "/") {
		if forbiddenDBSegments[seg] {
			return fmt.Errorf("refusing to open state database under %q: %s", seg, abs)
		}
	}
	return nil
}

// withWriter runs fn while holding the single-writer lock.
func (d *db) withWriter(fn func(*sqlx.DB) error) error {
	d.writerMu.Lock()
	defer d.writerMu.Unlock()
	return fn(d.conn)
}

// inTx runs fn inside a transaction under the writer lock.
func (d *db) inTx(fn func(*sqlx.Tx) error) error {
	return d.withWriter(func(conn *sqlx.DB) error {
		tx, err := conn.Beginx()
		if err != nil {
			return fmt.Errorf("beginning tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
