package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/kinship/internal/backup"
	"github.com/scrypster/kinship/internal/storage"
	"github.com/scrypster/kinship/internal/storage/sqlite"
)

// backupManager builds a snapshot manager for the configured SQLite file.
func (a *app) backupManager() (*backup.Manager, error) {
	if a.cfg.Storage.Engine != "sqlite" {
		return nil, fmt.Errorf("%w: backups need the sqlite engine; use pg_dump for postgres", storage.ErrInvalidInput)
	}
	dbPath := sqlite.PathFromDSN(a.cfg.Storage.SQLiteDSN())
	if dbPath == "" {
		return nil, fmt.Errorf("%w: an in-memory database cannot be backed up", storage.ErrInvalidInput)
	}
	b := a.cfg.Backup
	return backup.New(dbPath, backup.Options{
		Dir:    a.cfg.BackupDir(dbPath),
		Verify: b.Verify,
		Retention: backup.RetentionPolicy{
			Hourly:  b.Hourly,
			Daily:   b.Daily,
			Weekly:  b.Weekly,
			Monthly: b.Monthly,
		},
	}, a.log)
}

func newBackupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot, list and restore the SQLite database",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Write a verified snapshot and prune old ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.backupManager()
			if err != nil {
				return err
			}
			result, err := m.Create(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(result)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.backupManager()
			if err != nil {
				return err
			}
			snapshots, err := m.List()
			if err != nil {
				return err
			}
			if snapshots == nil {
				snapshots = []backup.Info{}
			}
			return a.print(snapshots)
		},
	}

	restore := &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Replace the database with a snapshot (stop other kinship processes first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.backupManager()
			if err != nil {
				return err
			}
			if err := m.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			return a.print(map[string]string{"restored": args[0]})
		},
	}

	cmd.AddCommand(create, list, restore)
	return cmd
}
