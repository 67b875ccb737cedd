// Package memory provides an in-process implementation of storage.ModelStore
// used by default and in tests. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/scrypster/cloudml/internal/storage"
	"github.com/scrypster/cloudml/pkg/types"
)

// Compile-time contract assertion.
var _ storage.ModelStore = (*Store)(nil)

// Store keeps cloned model snapshots in a map. Every read and write copies,
// so callers never share memory with the store.
type Store struct {
	mu     sync.RWMutex
	models map[string]*types.Model
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{models: make(map[string]*types.Model)}
}

// Put implements storage.ModelStore.
func (s *Store) Put(ctx context.Context, model *types.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateModel(model); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[model.ID] = model.Clone()
	return nil
}

// Update implements storage.ModelStore.
func (s *Store) Update(ctx context.Context, model *types.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateModel(model); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[model.ID]; !ok {
		return fmt.Errorf("%w: model %s", storage.ErrNotFound, model.ID)
	}
	s.models[model.ID] = model.Clone()
	return nil
}

// Get implements storage.ModelStore.
func (s *Store) Get(ctx context.Context, id string) (*types.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: model %s", storage.ErrNotFound, id)
	}
	return m.Clone(), nil
}

// List implements storage.ModelStore.
func (s *Store) List(ctx context.Context) ([]*types.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]*types.Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m.Clone())
	}
	s.mu.RUnlock()

	storage.SortModels(out)
	return out, nil
}

// Delete implements storage.ModelStore.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return fmt.Errorf("%w: model %s", storage.ErrNotFound, id)
	}
	delete(s.models, id)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
