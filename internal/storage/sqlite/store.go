// Package sqlite is the default, embedded backend of the entity graph.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/internal/storage/sqlstore"
	"github.com/scrypster/kinship/pkg/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Dialect describes SQLite to the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:           "sqlite",
	TranslateError: translateError,
}

// Store is the SQLite-backed entity graph.
type Store struct {
	*sqlstore.Store
}

// Options tunes Open.
type Options struct {
	// TxTimeout bounds each write transaction. Zero keeps the default of 30s.
	TxTimeout time.Duration
}

// Open opens (or creates) the database at dsn, applies pending migrations and
// returns a ready store. If the first open fails because of stale WAL files
// left behind by a crashed process, it verifies no other process holds them
// and retries once after removing the stale -shm/-wal files.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := openDB(dsn)
	if err != nil {
		if !isRecoverableWALError(err) {
			return nil, err
		}
		dbPath := PathFromDSN(dsn)
		if dbPath == "" || !isWALStale(dbPath) {
			return nil, err
		}
		removeStaleWAL(dbPath)

		var retryErr error
		db, retryErr = openDB(dsn)
		if retryErr != nil {
			return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
		}
		logger.Get().Info("sqlite: recovered from stale WAL files", zap.String("path", dbPath))
	}

	if _, err := Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	var storeOpts []sqlstore.Option
	if opts.TxTimeout > 0 {
		storeOpts = append(storeOpts, sqlstore.WithTxTimeout(opts.TxTimeout))
	}
	return &Store{Store: sqlstore.New(db, Dialect, storeOpts...)}, nil
}

// Migrate applies the embedded migrations and returns how many were new.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	mgr, err := storage.NewMigrationManager(db, migrationFiles, "migrations")
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}
	n, err := mgr.Up(ctx)
	if err != nil {
		return n, fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}
	return n, nil
}

// SchemaStatus reports the applied schema version against the embedded one.
func SchemaStatus(ctx context.Context, db *sql.DB) (*storage.MigrationStatus, error) {
	mgr, err := storage.NewMigrationManager(db, migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}
	return mgr.Status(ctx)
}

// MigrationFiles exposes the embedded schema for tooling and tests.
func MigrationFiles() embed.FS {
	return migrationFiles
}

// openDB opens a SQLite database and configures WAL mode.
func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return db, nil
}

// Close flushes the WAL into the main database file and releases resources.
// The TRUNCATE checkpoint removes the -shm and -wal files so the next process
// opening the database does not find stale WAL state.
func (s *Store) Close() error {
	db := s.DB()
	if db == nil {
		return nil
	}
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.Get().Warn("sqlite: WAL checkpoint on close failed", zap.Error(err))
	}
	return s.Store.Close()
}

// translateError maps SQLite constraint failures and trigger aborts onto the
// storage error taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "validation:"):
		return fmt.Errorf("%w: %s", storage.ErrInvalidInput, msg)
	case strings.Contains(msg, "integrity:"):
		return fmt.Errorf("%w: %s", storage.ErrNotFound, msg)
	case strings.Contains(msg, "append-only:"):
		return fmt.Errorf("%w: %s", storage.ErrConstraintViolation, msg)
	case strings.Contains(msg, "UNIQUE constraint failed"), strings.Contains(msg, "PRIMARY KEY"):
		return fmt.Errorf("%w: %s", storage.ErrConstraintViolation, msg)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %s", storage.ErrNotFound, msg)
	case strings.Contains(msg, "CHECK constraint failed"), strings.Contains(msg, "NOT NULL constraint failed"):
		return fmt.Errorf("%w: %s", storage.ErrInvalidInput, msg)
	}
	return err
}

// PathFromDSN extracts the filesystem path from a SQLite DSN.
// Handles bare paths ("/path/to/db.sqlite") and file: URIs ("file:/path/to/db.sqlite?mode=rwc").
// Returns empty string for in-memory databases or unparseable DSNs.
func PathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError reports errors caused by stale WAL files left behind
// after a crash (SIGKILL, OOM, etc.).
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the database path and
// no other process holds them open (via lsof). Without lsof it answers false.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	output, err := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath).Output()
	if err != nil {
		// lsof exits 1 when nothing holds the files open.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

// removeStaleWAL removes -shm and -wal files for the given database path.
func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Get().Warn("sqlite: failed to remove stale WAL file", zap.String("path", path), zap.Error(err))
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
