package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/cloudml/internal/backup"
	"github.com/scrypster/cloudml/internal/storage"
	"github.com/scrypster/cloudml/internal/storage/backend"
)

func newBackupCmd(opts *options) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list and restore copies of a sqlite model store",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Backup directory (default {data-path}/backups)")

	cmd.AddCommand(
		newBackupCreateCmd(opts, &dir),
		newBackupListCmd(opts, &dir),
		newBackupRestoreCmd(opts),
	)
	return cmd
}

// sqlitePaths returns the database file and backup directory, failing for
// engines other than sqlite.
func (o *options) sqlitePaths(dir string) (dbPath, backupDir string, err error) {
	sc, err := o.storageConfig()
	if err != nil {
		return "", "", err
	}
	if sc.StorageEngine != storage.EngineSQLite {
		return "", "", fmt.Errorf("backups need the sqlite engine, not %q", sc.StorageEngine)
	}
	if dir == "" {
		dir = filepath.Join(sc.DataPath, "backups")
	}
	return filepath.Join(sc.DataPath, backend.SQLiteFile), dir, nil
}

func newBackupCreateCmd(opts *options, dir *string) *cobra.Command {
	var noVerify, prune bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Write a consistent copy of the store; safe while the server runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, backupDir, err := opts.sqlitePaths(*dir)
			if err != nil {
				return err
			}

			result, err := backup.Create(cmd.Context(), dbPath, backupDir, !noVerify)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s (%d bytes, %s)\n",
				result.Path, result.Size, result.Duration.Round(time.Millisecond))

			if prune {
				removed, err := backup.ApplyRetention(backupDir, backup.DefaultRetention(), time.Now())
				for _, path := range removed {
					fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s\n", filepath.Base(path))
				}
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip the integrity check of the new backup")
	cmd.Flags().BoolVar(&prune, "prune", false, "Apply the tiered retention policy afterwards")
	return cmd
}

func newBackupListCmd(opts *options, dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backupDir, err := opts.sqlitePaths(*dir)
			if err != nil {
				return err
			}
			backups, err := backup.List(backupDir)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tSIZE\tTAKEN")
			var total int64
			for _, b := range backups {
				total += b.Size
				fmt.Fprintf(tw, "%s\t%d\t%s\n", filepath.Base(b.Path), b.Size, b.Timestamp.Format("2006-01-02 15:04:05"))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d backups, %d bytes\n", len(backups), total)
			return nil
		},
	}
}

func newBackupRestoreCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "restore FILE",
		Short: "Replace the store with a backup; stop the server first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _, err := opts.sqlitePaths("")
			if err != nil {
				return err
			}
			previous, err := backup.Restore(cmd.Context(), args[0], dbPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n", dbPath, args[0])
			if previous != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Previous database kept at %s\n", previous)
			}
			return nil
		},
	}
}
