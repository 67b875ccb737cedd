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

// Placeholder styles for the SQL dialects the migrator writes to.
const (
	PlaceholderQuestion = "?"  // SQLite
	PlaceholderDollar   = "$1" // PostgreSQL
)

// MigrationManager applies numbered SQL migrations from an fs.FS (normally
// an embed.FS compiled into the backend package) and records the applied
// versions in a schema_migrations table.
//
// Files are named NNN_name.up.sql / NNN_name.down.sql. Each up file is run
// inside a transaction together with its bookkeeping insert.
type MigrationManager struct {
	db          *sql.DB
	files       fs.FS
	placeholder string
}

type migration struct {
	version  uint
	name     string
	upFile   string
	downFile string
}

// NewMigrationManager creates a MigrationManager over the migration files at
// the root of files. placeholder is PlaceholderQuestion or PlaceholderDollar.
func NewMigrationManager(ctx context.Context, db *sql.DB, files fs.FS, placeholder string) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	if files == nil {
		return nil, fmt.Errorf("migrations: migration files are required")
	}

	mgr := &MigrationManager{db: db, files: files, placeholder: placeholder}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}

	return mgr, nil
}

// Up applies all pending migrations in ascending version order and returns
// how many were applied.
func (mgr *MigrationManager) Up(ctx context.Context) (int, error) {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return 0, err
	}

	current, err := mgr.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := mgr.apply(ctx, m.upFile, "INSERT INTO schema_migrations (version) VALUES ("+mgr.placeholder+")", m.version); err != nil {
			return applied, fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.version, m.name, err)
		}
		applied++
	}
	return applied, nil
}

// Down rolls back every applied migration in descending version order.
func (mgr *MigrationManager) Down(ctx context.Context) error {
	migrations, err := mgr.loadMigrations()
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

	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if m.version > current {
			continue
		}
		if m.downFile == "" {
			return fmt.Errorf("migrations: version %d (%s) has no down file", m.version, m.name)
		}
		if err := mgr.apply(ctx, m.downFile, "DELETE FROM schema_migrations WHERE version = "+mgr.placeholder, m.version); err != nil {
			return fmt.Errorf("migrations: failed to roll back version %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// Version returns the highest applied migration version, or ErrNoMigration
// when none has been applied.
func (mgr *MigrationManager) Version(ctx context.Context) (uint, error) {
	var version uint
	err := mgr.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return version, nil
}

func (mgr *MigrationManager) apply(ctx context.Context, file, bookkeeping string, version uint) error {
	body, err := fs.ReadFile(mgr.files, file)
	if err != nil {
		return err
	}

	tx, err := mgr.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return err
	}
	return tx.Commit()
}

// loadMigrations parses the migration file names. Returns migrations sorted
// by version ascending; entries without an up file are skipped.
func (mgr *MigrationManager) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(mgr.files, ".")
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read migration files: %w", err)
	}

	byVersion := make(map[uint]*migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}

		idx := strings.Index(name, "_")
		if idx < 0 {
			continue
		}
		v, err := strconv.ParseUint(name[:idx], 10, 64)
		if err != nil {
			continue
		}
		rest := name[idx+1:]

		m, ok := byVersion[uint(v)]
		if !ok {
			m = &migration{version: uint(v)}
			byVersion[uint(v)] = m
		}
		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			m.name = strings.TrimSuffix(rest, ".up.sql")
			m.upFile = name
		case strings.HasSuffix(rest, ".down.sql"):
			m.downFile = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.upFile != "" {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
