// Package storagetest holds the behavioural test suite every
// storage.ModelStore implementation must pass.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/cloudml/internal/storage"
	"github.com/scrypster/cloudml/pkg/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.ModelStore

// NewModel builds a valid model with the given ID and covariates.
func NewModel(id string, covariates ...string) *types.Model {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &types.Model{
		ID:           id,
		Type:         types.ModelLogistic,
		Covariates:   covariates,
		Coefficients: types.NewCoefficientVector(covariates),
		Hyperparameters: types.Hyperparameters{
			LearningRate:      0.05,
			LearningRateDecay: 0.01,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGet(t, newStore) })
	t.Run("PutOverwrites", func(t *testing.T) { testPutOverwrites(t, newStore) })
	t.Run("PutRejectsInvalid", func(t *testing.T) { testPutInvalid(t, newStore) })
	t.Run("UpdateExisting", func(t *testing.T) { testUpdateExisting(t, newStore) })
	t.Run("UpdateNeverCreates", func(t *testing.T) { testUpdateNeverCreates(t, newStore) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore) })
	t.Run("ListOrdered", func(t *testing.T) { testListOrdered(t, newStore) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore) })
	t.Run("ReturnedCopiesAreIndependent", func(t *testing.T) { testIndependent(t, newStore) })
}

func open(t *testing.T, newStore Factory) storage.ModelStore {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// assertModelEqual compares models with time fields normalised, since
// backends round-trip timestamps through their own encodings.
func assertModelEqual(t *testing.T, want, got *types.Model) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.Covariates, got.Covariates)
	assert.Equal(t, want.Coefficients, got.Coefficients)
	assert.Equal(t, want.NumTrainingData, got.NumTrainingData)
	assert.Equal(t, want.Hyperparameters, got.Hyperparameters)
	assert.Equal(t, want.TrainLoss, got.TrainLoss)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %v got %v", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at: want %v got %v", want.UpdatedAt, got.UpdatedAt)
}

func testPutGet(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	m := NewModel("m-1", "age", "gender")
	m.Coefficients = m.Coefficients.WithValues([]float64{-0.5, 0.25, 1e-9})
	m.NumTrainingData = 42
	m.TrainLoss = 0.125
	m.Lambda = 0.001

	require.NoError(t, s.Put(ctx, m))

	got, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assertModelEqual(t, m, got)
	assert.Equal(t, []string{"intercept", "age", "gender"}, got.Coefficients.Labels())
}

func testPutOverwrites(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	m := NewModel("m-1", "x")
	require.NoError(t, s.Put(ctx, m))

	m.Coefficients = m.Coefficients.WithValues([]float64{1, 2})
	m.NumTrainingData = 7
	m.UpdatedAt = m.UpdatedAt.Add(time.Second)
	require.NoError(t, s.Put(ctx, m))

	got, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assertModelEqual(t, m, got)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testPutInvalid(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	assert.ErrorIs(t, s.Put(ctx, nil), storage.ErrInvalidInput)
	assert.ErrorIs(t, s.Put(ctx, NewModel("", "x")), storage.ErrInvalidInput)

	bad := NewModel("m-bad", "x", "y")
	bad.Coefficients = bad.Coefficients[:2]
	assert.ErrorIs(t, s.Put(ctx, bad), storage.ErrInvalidInput)
}

func testUpdateExisting(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	m := NewModel("m-1", "x")
	require.NoError(t, s.Put(ctx, m))

	m.Coefficients = m.Coefficients.WithValues([]float64{0.5, -1.5})
	m.NumTrainingData = 3
	m.TrainLoss = 0.25
	m.UpdatedAt = m.UpdatedAt.Add(time.Second)
	require.NoError(t, s.Update(ctx, m))

	got, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assertModelEqual(t, m, got)

	// Writing identical values still counts as an existing row.
	require.NoError(t, s.Update(ctx, m))
	assert.ErrorIs(t, s.Update(ctx, nil), storage.ErrInvalidInput)
}

func testUpdateNeverCreates(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	assert.ErrorIs(t, s.Update(ctx, NewModel("ghost", "x")), storage.ErrNotFound)
	_, err := s.Get(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A row deleted by another writer stays deleted.
	m := NewModel("m-1", "x")
	require.NoError(t, s.Put(ctx, m))
	require.NoError(t, s.Delete(ctx, "m-1"))

	m.NumTrainingData = 1
	assert.ErrorIs(t, s.Update(ctx, m), storage.ErrNotFound)
	_, err = s.Get(ctx, "m-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testGetMissing(t *testing.T, newStore Factory) {
	s := open(t, newStore)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testListOrdered(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	ids := []string{"c", "a", "b"}
	for i, id := range ids {
		m := NewModel(id, "x")
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Put(ctx, m))
	}
	// Same creation time as "c": ties break on ID.
	tie := NewModel("0", "x")
	tie.CreatedAt = base
	require.NoError(t, s.Put(ctx, tie))

	all, err := s.List(ctx)
	require.NoError(t, err)
	got := make([]string, len(all))
	for i, m := range all {
		got[i] = m.ID
	}
	assert.Equal(t, []string{"0", "c", "a", "b"}, got)
}

func testDelete(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, NewModel(fmt.Sprintf("m-%d", i), "x")))
	}

	require.NoError(t, s.Delete(ctx, "m-1"))
	assert.ErrorIs(t, s.Delete(ctx, "m-1"), storage.ErrNotFound)

	_, err := s.Get(ctx, "m-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, m := range all {
		assert.NotEqual(t, "m-1", m.ID)
	}
}

func testIndependent(t *testing.T, newStore Factory) {
	s := open(t, newStore)
	ctx := context.Background()

	m := NewModel("m-1", "x")
	require.NoError(t, s.Put(ctx, m))
	m.Coefficients[1].Value = 99

	got, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Coefficients[1].Value)

	got.Coefficients[0].Value = 5
	again, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, again.Coefficients[0].Value)
}
