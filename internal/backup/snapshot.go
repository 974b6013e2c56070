package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNoDatabase is returned when the database file to snapshot does not exist.
var ErrNoDatabase = errors.New("database file not found")

// Manager snapshots and restores one SQLite database file.
type Manager struct {
	dbPath    string
	dir       string
	retention RetentionPolicy
	verify    bool
	logger    *zap.Logger
}

// New returns a Manager for the database at dbPath.
func New(dbPath string, opts Options, logger *zap.Logger) (*Manager, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("backup: database path is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("backup: snapshot directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: failed to create snapshot directory: %w", err)
	}
	return &Manager{
		dbPath:    dbPath,
		dir:       opts.Dir,
		retention: opts.Retention.withDefaults(),
		verify:    opts.Verify,
		logger:    logger,
	}, nil
}

// Create writes a point-in-time snapshot, verifies it when configured and
// prunes snapshots the retention policy no longer keeps. A pruning failure
// is logged and does not fail the snapshot.
func (m *Manager) Create(ctx context.Context) (*Result, error) {
	start := time.Now()
	if _, err := os.Stat(m.dbPath); err != nil {
		return nil, fmt.Errorf("backup: %w: %s", ErrNoDatabase, m.dbPath)
	}

	path := filepath.Join(m.dir, filePrefix+start.UTC().Format(timeLayout)+fileExt)
	if err := vacuumInto(ctx, m.dbPath, path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to stat snapshot: %w", err)
	}
	result := &Result{Path: path, Size: info.Size()}

	if m.verify {
		if err := verify(ctx, path); err != nil {
			return nil, fmt.Errorf("backup: snapshot %s failed verification: %w", path, err)
		}
		result.Verified = true
	}

	pruned, err := m.prune(time.Now())
	if err != nil {
		m.logger.Warn("failed to apply snapshot retention", zap.Error(err))
	}
	result.Pruned = pruned
	result.Duration = time.Since(start)

	m.logger.Info("database snapshot created",
		zap.String("path", path),
		zap.Int64("size", result.Size),
		zap.Bool("verified", result.Verified),
		zap.Int("pruned", pruned),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// List returns the snapshots in the directory, newest first.
func (m *Manager) List() ([]Info, error) {
	return listSnapshots(m.dir)
}

// Restore replaces the database file with the snapshot at path. The
// database must not be open. The current file is kept aside until the
// restored copy verifies and put back when it doesn't.
func (m *Manager) Restore(ctx context.Context, path string) error {
	if err := verify(ctx, path); err != nil {
		return fmt.Errorf("backup: snapshot %s failed verification: %w", path, err)
	}

	aside := m.dbPath + ".pre-restore"
	hadCurrent := false
	_ = os.Remove(aside)
	if _, err := os.Stat(m.dbPath); err == nil {
		if err := vacuumInto(ctx, m.dbPath, aside); err != nil {
			return fmt.Errorf("backup: failed to set current database aside: %w", err)
		}
		hadCurrent = true
		defer os.Remove(aside)
	}
	// Stale WAL files would be replayed over the restored copy.
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(m.dbPath + suffix)
	}

	err := copyFile(path, m.dbPath)
	if err == nil {
		err = verify(ctx, m.dbPath)
	}
	if err == nil {
		m.logger.Info("database restored", zap.String("from", path), zap.String("to", m.dbPath))
		return nil
	}

	if !hadCurrent {
		return fmt.Errorf("backup: restore failed: %w", err)
	}
	if rbErr := copyFile(aside, m.dbPath); rbErr != nil {
		return fmt.Errorf("backup: restore failed (%v) and rollback failed: %w", err, rbErr)
	}
	return fmt.Errorf("backup: restore failed, previous database kept: %w", err)
}

// vacuumInto writes a consistent copy of src to dest. VACUUM INTO reads
// through the WAL, so the copy includes committed transactions that have
// not been checkpointed yet.
func vacuumInto(ctx context.Context, src, dest string) error {
	db, err := sql.Open("sqlite", src)
	if err != nil {
		return fmt.Errorf("backup: failed to open database: %w", err)
	}
	defer db.Close()

	quoted := strings.ReplaceAll(dest, "'", "''")
	if _, err := db.ExecContext(ctx, "VACUUM INTO '"+quoted+"'"); err != nil {
		return fmt.Errorf("backup: failed to snapshot database: %w", err)
	}
	return nil
}

// verify runs PRAGMA integrity_check on the database at path.
func verify(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
