// Package sqlite provides a SQLite implementation of storage.ModelStore
// using the CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/cloudml/internal/storage"
	"github.com/scrypster/cloudml/pkg/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the SQLite schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Compile-time contract assertion.
var _ storage.ModelStore = (*ModelStore)(nil)

// ModelStore implements storage.ModelStore using SQLite.
type ModelStore struct {
	db *sql.DB
}

// NewModelStore opens (or creates) the database at dsn and brings its
// schema up to date. If the first open fails because of stale WAL files
// left by a crashed process, the files are removed and the open retried once.
func NewModelStore(ctx context.Context, dsn string) (*ModelStore, error) {
	store, err := openModelStore(ctx, dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}

	if rmErr := removeStaleWAL(dbPath); rmErr != nil {
		return nil, fmt.Errorf("sqlite: failed to remove stale WAL: %v (original: %w)", rmErr, err)
	}

	store, retryErr := openModelStore(ctx, dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: failed after WAL recovery: %w (original: %v)", retryErr, err)
	}
	return store, nil
}

func openModelStore(ctx context.Context, dsn string) (*ModelStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer; a single connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	s := &ModelStore{db: db}
	if _, err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies pending schema migrations and returns how many ran.
func (s *ModelStore) Migrate(ctx context.Context) (int, error) {
	mgr, err := storage.NewMigrationManager(ctx, s.db, Migrations(), storage.PlaceholderQuestion)
	if err != nil {
		return 0, fmt.Errorf("sqlite: %w", err)
	}
	n, err := mgr.Up(ctx)
	if err != nil {
		return n, fmt.Errorf("sqlite: %w", err)
	}
	return n, nil
}

// DB returns the underlying database handle.
func (s *ModelStore) DB() *sql.DB {
	return s.db
}

// Put implements storage.ModelStore.
func (s *ModelStore) Put(ctx context.Context, m *types.Model) error {
	if err := storage.ValidateModel(m); err != nil {
		return err
	}

	covariates, err := json.Marshal(m.Covariates)
	if err != nil {
		return fmt.Errorf("sqlite: failed to encode covariates: %w", err)
	}
	coefficients, err := json.Marshal(m.Coefficients)
	if err != nil {
		return fmt.Errorf("sqlite: failed to encode coefficients: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO models (
			id, type, covariates, coefficients, num_training_data,
			learning_rate, learning_rate_decay, lambda, train_loss,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			covariates = excluded.covariates,
			coefficients = excluded.coefficients,
			num_training_data = excluded.num_training_data,
			learning_rate = excluded.learning_rate,
			learning_rate_decay = excluded.learning_rate_decay,
			lambda = excluded.lambda,
			train_loss = excluded.train_loss,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		m.ID, string(m.Type), string(covariates), string(coefficients), m.NumTrainingData,
		m.LearningRate, m.LearningRateDecay, m.Lambda, m.TrainLoss,
		m.CreatedAt.UTC().Format(timeLayout), m.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to put model %s: %w", m.ID, err)
	}
	return nil
}

// Update implements storage.ModelStore.
func (s *ModelStore) Update(ctx context.Context, m *types.Model) error {
	if err := storage.ValidateModel(m); err != nil {
		return err
	}

	covariates, err := json.Marshal(m.Covariates)
	if err != nil {
		return fmt.Errorf("sqlite: failed to encode covariates: %w", err)
	}
	coefficients, err := json.Marshal(m.Coefficients)
	if err != nil {
		return fmt.Errorf("sqlite: failed to encode coefficients: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE models SET
			type = ?, covariates = ?, coefficients = ?, num_training_data = ?,
			learning_rate = ?, learning_rate_decay = ?, lambda = ?, train_loss = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(m.Type), string(covariates), string(coefficients), m.NumTrainingData,
		m.LearningRate, m.LearningRateDecay, m.Lambda, m.TrainLoss,
		m.CreatedAt.UTC().Format(timeLayout), m.UpdatedAt.UTC().Format(timeLayout),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update model %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to update model %s: %w", m.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: model %s", storage.ErrNotFound, m.ID)
	}
	return nil
}

const selectModel = `
	SELECT id, type, covariates, coefficients, num_training_data,
	       learning_rate, learning_rate_decay, lambda, train_loss,
	       created_at, updated_at
	FROM models`

type scanner interface {
	Scan(dest ...any) error
}

func scanModel(row scanner) (*types.Model, error) {
	var (
		m                        types.Model
		typ                      string
		covariates, coefficients string
		createdAt, updatedAt     string
	)
	if err := row.Scan(&m.ID, &typ, &covariates, &coefficients, &m.NumTrainingData,
		&m.LearningRate, &m.LearningRateDecay, &m.Lambda, &m.TrainLoss,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Type = types.ModelType(typ)

	if err := json.Unmarshal([]byte(covariates), &m.Covariates); err != nil {
		return nil, fmt.Errorf("sqlite: model %s: bad covariates: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(coefficients), &m.Coefficients); err != nil {
		return nil, fmt.Errorf("sqlite: model %s: bad coefficients: %w", m.ID, err)
	}

	var err error
	if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("sqlite: model %s: bad created_at: %w", m.ID, err)
	}
	if m.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("sqlite: model %s: bad updated_at: %w", m.ID, err)
	}
	return &m, nil
}

// Get implements storage.ModelStore.
func (s *ModelStore) Get(ctx context.Context, id string) (*types.Model, error) {
	m, err := scanModel(s.db.QueryRowContext(ctx, selectModel+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: model %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get model %s: %w", id, err)
	}
	return m, nil
}

// List implements storage.ModelStore.
func (s *ModelStore) List(ctx context.Context) ([]*types.Model, error) {
	rows, err := s.db.QueryContext(ctx, selectModel+" ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list models: %w", err)
	}
	defer rows.Close()

	var out []*types.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan model: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to list models: %w", err)
	}
	return out, nil
}

// Delete implements storage.ModelStore.
func (s *ModelStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM models WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete model %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete model %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: model %s", storage.ErrNotFound, id)
	}
	return nil
}

// Close closes the database.
func (s *ModelStore) Close() error {
	return s.db.Close()
}
