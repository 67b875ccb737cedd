// Package storage provides the persistence interface for cloudml models.
//
// The registry keeps live models in memory and writes every committed state
// through a ModelStore, so the store only needs keyed upsert, update-in-place,
// lookup and delete. Each backend lives in its own subpackage.
package storage

import (
	"context"

	"github.com/scrypster/cloudml/pkg/types"
)

// ModelStore persists model snapshots keyed by model ID.
type ModelStore interface {
	// Put creates or replaces a model (upsert semantics).
	// Returns ErrInvalidInput if the model is nil or has no ID.
	Put(ctx context.Context, model *types.Model) error

	// Update replaces an existing model and never creates one, so a write
	// racing with a Delete cannot bring the row back.
	// Returns ErrNotFound if the model doesn't exist.
	Update(ctx context.Context, model *types.Model) error

	// Get retrieves a model by ID.
	// Returns ErrNotFound if the model doesn't exist.
	Get(ctx context.Context, id string) (*types.Model, error)

	// List returns every stored model ordered by creation time, then ID.
	List(ctx context.Context) ([]*types.Model, error)

	// Delete permanently removes a model by ID.
	// Returns ErrNotFound if the model doesn't exist.
	Delete(ctx context.Context, id string) error

	// Close releases any resources held by the store.
	Close() error
}
