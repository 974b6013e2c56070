package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// MigrationManager applies versioned SQL scripts read from a filesystem
// (usually an embed.FS). Scripts are named NNN_label.up.sql and
// NNN_label.down.sql; applied versions are recorded in schema_migrations.
// A script and its bookkeeping row commit together or not at all.
type MigrationManager struct {
	db    *sql.DB
	files fs.FS
	dir   string
}

// MigrationStatus describes the schema of a database relative to the
// scripts a MigrationManager knows.
type MigrationStatus struct {
	Current uint     `json:"current"`
	Latest  uint     `json:"latest"`
	Pending []string `json:"pending"`
}

type migration struct {
	version uint
	label   string
	up      string
	down    string
}

// NewMigrationManager returns a manager for the scripts in dir inside files
// and makes sure the schema_migrations table exists.
func NewMigrationManager(db *sql.DB, files fs.FS, dir string) (*MigrationManager, error) {
	switch {
	case db == nil:
		return nil, fmt.Errorf("migrations: database connection is required")
	case files == nil:
		return nil, fmt.Errorf("migrations: migration filesystem is required")
	}
	if _, err := fs.Stat(files, dir); err != nil {
		return nil, fmt.Errorf("migrations: directory does not exist: %s", dir)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}
	return &MigrationManager{db: db, files: files, dir: dir}, nil
}

// Up applies pending migrations in ascending order and returns how many ran.
// On failure the count covers the migrations committed before it.
func (mgr *MigrationManager) Up(ctx context.Context) (int, error) {
	pending, err := mgr.pending(ctx)
	if err != nil {
		return 0, err
	}

	for i, m := range pending {
		if err := mgr.run(ctx, m.up, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return i, fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.version, m.label, err)
		}
	}
	return len(pending), nil
}

// Down rolls back every applied migration, newest first.
func (mgr *MigrationManager) Down(ctx context.Context) error {
	all, err := mgr.load()
	if err != nil {
		return err
	}
	current, err := mgr.Version(ctx)
	if errors.Is(err, ErrNoMigration) {
		return nil
	}
	if err != nil {
		return err
	}

	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if m.version > current {
			continue
		}
		if m.down == "" {
			return fmt.Errorf("migrations: version %d (%s) has no down script", m.version, m.label)
		}
		if err := mgr.run(ctx, m.down, "DELETE FROM schema_migrations WHERE version = ?", m.version); err != nil {
			return fmt.Errorf("migrations: failed to roll back version %d (%s): %w", m.version, m.label, err)
		}
	}
	return nil
}

// Version returns the highest applied version, or ErrNoMigration.
func (mgr *MigrationManager) Version(ctx context.Context) (uint, error) {
	var version uint
	if err := mgr.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return version, nil
}

// Status reports the applied version, the newest known version and the
// labels of migrations still to run.
func (mgr *MigrationManager) Status(ctx context.Context) (*MigrationStatus, error) {
	all, err := mgr.load()
	if err != nil {
		return nil, err
	}
	pending, err := mgr.pending(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{Pending: make([]string, 0, len(pending))}
	if len(all) > 0 {
		status.Latest = all[len(all)-1].version
	}
	if v, err := mgr.Version(ctx); err == nil {
		status.Current = v
	}
	for _, m := range pending {
		status.Pending = append(status.Pending, fmt.Sprintf("%03d_%s", m.version, m.label))
	}
	return status, nil
}

func (mgr *MigrationManager) pending(ctx context.Context) ([]migration, error) {
	all, err := mgr.load()
	if err != nil {
		return nil, err
	}
	current, err := mgr.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return nil, err
	}

	var out []migration
	for _, m := range all {
		if m.version > current {
			out = append(out, m)
		}
	}
	return out, nil
}

// run executes a script file and its bookkeeping statement in one transaction.
func (mgr *MigrationManager) run(ctx context.Context, file, bookkeeping string, version uint) error {
	script, err := fs.ReadFile(mgr.files, file)
	if err != nil {
		return err
	}

	tx, err := mgr.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return err
	}
	return tx.Commit()
}

// load pairs up/down scripts by version, ascending. Versions without an up
// script and files that don't follow the naming scheme are ignored.
func (mgr *MigrationManager) load() ([]migration, error) {
	entries, err := fs.ReadDir(mgr.files, mgr.dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read directory: %w", err)
	}

	byVersion := make(map[uint]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, label, up, ok := parseMigrationName(entry.Name())
		if !ok {
			continue
		}
		m := byVersion[version]
		if m == nil {
			m = &migration{version: version}
			byVersion[version] = m
		}
		file := path.Join(mgr.dir, entry.Name())
		if up {
			m.label, m.up = label, file
		} else {
			m.down = file
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up != "" {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// parseMigrationName splits "007_add_index.up.sql" into (7, "add_index", true).
func parseMigrationName(name string) (version uint, label string, up, ok bool) {
	var rest string
	switch {
	case strings.HasSuffix(name, ".up.sql"):
		rest, up = strings.TrimSuffix(name, ".up.sql"), true
	case strings.HasSuffix(name, ".down.sql"):
		rest = strings.TrimSuffix(name, ".down.sql")
	default:
		return 0, "", false, false
	}

	num, label, found := strings.Cut(rest, "_")
	if !found || label == "" {
		return 0, "", false, false
	}
	v, err := strconv.ParseUint(num, 10, 32)
	if err != nil || v == 0 {
		return 0, "", false, false
	}
	return uint(v), label, up, true
}
