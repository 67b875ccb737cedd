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

	_ "modernc.org/sqlite"
)

// Create writes a consistent copy of the sqlite database at dbPath into dir
// and, when verify is set, checks the copy's integrity.
func Create(ctx context.Context, dbPath, dir string, verify bool) (*Result, error) {
	start := time.Now()

	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	// Microseconds keep names unique across back-to-back runs.
	name := FilePrefix + start.UTC().Format("20060102-150405.000000") + FileExt
	path := filepath.Join(dir, name)
	if err := vacuumInto(ctx, dbPath, path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat backup: %w", err)
	}
	result := &Result{Path: path, Size: info.Size()}

	if verify {
		if err := Verify(ctx, path); err != nil {
			return result, fmt.Errorf("backup verification failed: %w", err)
		}
		result.Verified = true
	}
	result.Duration = time.Since(start)
	return result, nil
}

// vacuumInto copies a database with VACUUM INTO, which reads a consistent
// snapshot even while a writer holds the WAL.
func vacuumInto(ctx context.Context, sourcePath, destPath string) error {
	db, err := sql.Open("sqlite", "file:"+sourcePath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open source database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to open source database: %w", err)
	}

	quoted := strings.ReplaceAll(destPath, "'", "''")
	if _, err := db.ExecContext(ctx, "VACUUM INTO '"+quoted+"'"); err != nil {
		return fmt.Errorf("failed to backup database: %w", err)
	}
	return nil
}

// Verify runs sqlite's integrity check against a backup file.
func Verify(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup not found: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Restore replaces the database at dbPath with backupPath. Nothing may hold
// dbPath open. The previous database, if any, is kept at the returned path
// until the caller removes it.
func Restore(ctx context.Context, backupPath, dbPath string) (previous string, err error) {
	if err := Verify(ctx, backupPath); err != nil {
		return "", err
	}

	if _, statErr := os.Stat(dbPath); statErr == nil {
		previous = dbPath + ".pre-restore"
		_ = os.Remove(previous)
		if err := vacuumInto(ctx, dbPath, previous); err != nil {
			return "", fmt.Errorf("failed to create pre-restore backup: %w", err)
		}
	}

	// Stage next to the target so the final rename stays on one filesystem.
	staged := dbPath + ".restoring"
	if err := copyFile(backupPath, staged); err != nil {
		return previous, err
	}
	if err := Verify(ctx, staged); err != nil {
		_ = os.Remove(staged)
		return previous, fmt.Errorf("restored database verification failed: %w", err)
	}

	// WAL files of the old database would be replayed over the new one.
	var errs []error
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		_ = os.Remove(staged)
		return previous, fmt.Errorf("failed to remove old WAL: %w", errors.Join(errs...))
	}

	if err := os.Rename(staged, dbPath); err != nil {
		return previous, fmt.Errorf("failed to install restored database: %w", err)
	}
	return previous, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to sync target file: %w", err)
	}
	return out.Close()
}
