package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/cloudml/internal/storage"
	"github.com/scrypster/cloudml/internal/storage/memory"
	"github.com/scrypster/cloudml/internal/storage/storagetest"
	"github.com/scrypster/cloudml/pkg/types"
)

// flakyStore wraps a memory store and fails Put and Update while failPut is
// set.
type flakyStore struct {
	*memory.Store
	failPut    atomic.Bool
	failDelete atomic.Bool
}

var errDisk = errors.New("disk full")

func (f *flakyStore) Put(ctx context.Context, m *types.Model) error {
	if f.failPut.Load() {
		return errDisk
	}
	return f.Store.Put(ctx, m)
}

func (f *flakyStore) Update(ctx context.Context, m *types.Model) error {
	if f.failPut.Load() {
		return errDisk
	}
	return f.Store.Update(ctx, m)
}

func (f *flakyStore) Delete(ctx context.Context, id string) error {
	if f.failDelete.Load() {
		return errDisk
	}
	return f.Store.Delete(ctx, id)
}

// gatedStore pauses the first Get after gate is set: it signals fetched
// once the row has been read and returns only after release is closed.
type gatedStore struct {
	*memory.Store
	gate    atomic.Bool
	fetched chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, id string) (*types.Model, error) {
	m, err := g.Store.Get(ctx, id)
	if g.gate.CompareAndSwap(true, false) {
		close(g.fetched)
		<-g.release
	}
	return m, err
}

// eventLog collects published events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *flakyStore, *eventLog) {
	t.Helper()
	store := &flakyStore{Store: memory.NewStore()}
	events := &eventLog{}
	cfg := DefaultConfig()
	cfg.Events = events
	r, err := New(store, nil, cfg)
	require.NoError(t, err)
	return r, store, events
}

func logistic(covariates ...string) ModelSpec {
	return ModelSpec{Type: types.ModelLogistic, Covariates: covariates}
}

func TestCreate_ZeroInitialised(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()

	m, err := r.Create(ctx, logistic("age", "gender"))
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, types.ModelLogistic, m.Type)
	assert.Equal(t, []string{"age", "gender"}, m.Covariates)
	assert.Equal(t, []string{"intercept", "age", "gender"}, m.Coefficients.Labels())
	assert.Equal(t, []float64{0, 0, 0}, m.Coefficients.Values())
	assert.Equal(t, int64(0), m.NumTrainingData)
	assert.Equal(t, 0.05, m.LearningRate)
	assert.Equal(t, 0.01, m.LearningRateDecay)

	got, err := r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, got, "read-after-write")

	persisted, err := store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Coefficients, persisted.Coefficients)
}

func TestCreate_Hyperparameters(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	lr, decay, lambda := 0.2, 0.0, 0.5

	m, err := r.Create(context.Background(), ModelSpec{
		Type:              types.ModelLinear,
		Covariates:        []string{"x"},
		LearningRate:      &lr,
		LearningRateDecay: &decay,
		Lambda:            &lambda,
	})
	require.NoError(t, err)
	assert.Equal(t, types.Hyperparameters{LearningRate: 0.2, LearningRateDecay: 0, Lambda: 0.5}, m.Hyperparameters)
}

func TestCreate_InvalidSpec(t *testing.T) {
	r, _, events := newTestRegistry(t)
	neg := -1.0

	tests := []struct {
		name string
		spec ModelSpec
	}{
		{"unsupported type", ModelSpec{Type: "poisson", Covariates: []string{"x"}}},
		{"empty type", ModelSpec{Covariates: []string{"x"}}},
		{"no covariates", logistic()},
		{"empty name", logistic("x", "")},
		{"duplicate", logistic("x", "y", "x")},
		{"intercept", logistic("intercept", "age")},
		{"negative learning rate", ModelSpec{Type: types.ModelLogistic, Covariates: []string{"x"}, LearningRate: &neg}},
		{"negative lambda", ModelSpec{Type: types.ModelLogistic, Covariates: []string{"x"}, Lambda: &neg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(context.Background(), tt.spec)
			assert.ErrorIs(t, err, ErrInvalidModelSpec)
		})
	}
	assert.Empty(t, r.List(), "no partial model is created")
	assert.Empty(t, events.types())
}

func TestCreate_DoesNotAliasCallerSlice(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	covariates := []string{"a", "b"}

	m, err := r.Create(context.Background(), logistic(covariates...))
	require.NoError(t, err)
	covariates[0] = "zzz"

	got, err := r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Covariates)
}

func TestCreate_StoreFailure(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	store.failPut.Store(true)

	_, err := r.Create(context.Background(), logistic("x"))
	assert.ErrorIs(t, err, errDisk)
	assert.Equal(t, 0, r.Len())
}

func TestIngestData_Scenario(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	m, err := r.Create(ctx, logistic("age", "gender"))
	require.NoError(t, err)

	acks, err := r.IngestData(ctx, m.ID, []types.Observation{
		{Value: 1, Covariates: map[string]float64{"age": 10, "gender": 0}},
		{Value: 0, Covariates: map[string]float64{"age": 55, "gender": 1}},
	})
	require.NoError(t, err)
	require.Len(t, acks, 2)

	for _, a := range acks {
		assert.Equal(t, m.ID, a.Model)
		assert.NotEmpty(t, a.ID)
	}
	assert.NotEqual(t, acks[0].ID, acks[1].ID)
	assert.Equal(t, 1.0, acks[0].Value)
	assert.Equal(t, []types.Covariate{{Label: "age", Value: 10}, {Label: "gender", Value: 0}}, acks[0].Covariates)
	assert.Equal(t, 0.0, acks[1].Value)
	assert.Equal(t, []types.Covariate{{Label: "age", Value: 55}, {Label: "gender", Value: 1}}, acks[1].Covariates)
	assert.Equal(t, 0.5, acks[0].Prediction)

	got, err := r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.NumTrainingData)
	assert.Equal(t, []string{"intercept", "age", "gender"}, got.Coefficients.Labels())

	w := got.Coefficients.Values()
	assert.InDelta(t, -0.02450489894, w[0], 1e-6)
	assert.InDelta(t, -2.47276944, w[1], 1e-6)
	assert.InDelta(t, -0.04950489894, w[2], 1e-6)
	assert.True(t, !got.UpdatedAt.Before(got.CreatedAt))

	require.NoError(t, r.Delete(ctx, m.ID))
	_, err = r.Get(m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, live := range r.List() {
		assert.NotEqual(t, m.ID, live.ID)
	}
}

func TestIngestData_MissingCovariateEchoedAsZero(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	m, err := r.Create(ctx, logistic("age", "gender"))
	require.NoError(t, err)

	acks, err := r.IngestData(ctx, m.ID, []types.Observation{{Value: 1, Covariates: map[string]float64{"gender": 1}}})
	require.NoError(t, err)
	assert.Equal(t, []types.Covariate{{Label: "age", Value: 0}, {Label: "gender", Value: 1}}, acks[0].Covariates)
}

func TestIngestData_AtomicRejection(t *testing.T) {
	r, _, events := newTestRegistry(t)
	ctx := context.Background()
	m, err := r.Create(ctx, logistic("age"))
	require.NoError(t, err)

	_, err = r.IngestData(ctx, m.ID, []types.Observation{
		{Value: 1, Covariates: map[string]float64{"age": 3}},
		{Value: 0, Covariates: map[string]float64{"height": 180}},
	})
	assert.ErrorIs(t, err, ErrMalformedObservation)

	got, err := r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, got, "state unchanged after a rejected batch")
	assert.Equal(t, []string{EventModelCreated}, events.types())
}

func TestIngestData_StoreFailureLeavesStateUnchanged(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()
	m, err := r.Create(ctx, logistic("age"))
	require.NoError(t, err)

	store.failPut.Store(true)
	_, err = r.IngestData(ctx, m.ID, []types.Observation{{Value: 1, Covariates: map[string]float64{"age": 1}}})
	assert.ErrorIs(t, err, errDisk)

	got, err := r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	store.failPut.Store(false)
	_, err = r.IngestData(ctx, m.ID, []types.Observation{{Value: 1, Covariates: map[string]float64{"age": 1}}})
	require.NoError(t, err)
	got, err = r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.NumTrainingData)
}

func TestIngestData_CancelledContext(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	m, err := r.Create(context.Background(), logistic("age"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.IngestData(ctx, m.ID, []types.Observation{{Value: 1}})
	assert.ErrorIs(t, err, context.Canceled)

	got, err := r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.NumTrainingData)
}

func TestIngestData_Limits(t *testing.T) {
	store := memory.NewStore()
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 2
	r, err := New(store, nil, cfg)
	require.NoError(t, err)
	ctx := context.Background()

	m, err := r.Create(ctx, logistic("x"))
	require.NoError(t, err)

	_, err = r.IngestData(ctx, m.ID, make([]types.Observation, 3))
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	acks, err := r.IngestData(ctx, m.ID, nil)
	require.NoError(t, err)
	assert.NotNil(t, acks)
	assert.Empty(t, acks)

	got, err := r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.NumTrainingData)
}

func TestIngestData_NotFound(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.IngestData(context.Background(), "nope", []types.Observation{{Value: 1}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_Twice(t *testing.T) {
	r, _, events := newTestRegistry(t)
	ctx := context.Background()

	keep, err := r.Create(ctx, logistic("x"))
	require.NoError(t, err)
	gone, err := r.Create(ctx, logistic("x"))
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, gone.ID))
	assert.ErrorIs(t, r.Delete(ctx, gone.ID), ErrNotFound)

	_, err = r.IngestData(ctx, gone.ID, []types.Observation{{Value: 1}})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Reset(ctx, gone.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Predict(gone.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, keep.ID, list[0].ID)

	assert.Equal(t, []string{EventModelCreated, EventModelCreated, EventModelDeleted}, events.types())
}

func TestDelete_StoreFailureKeepsModel(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()
	m, err := r.Create(ctx, logistic("x"))
	require.NoError(t, err)

	store.failDelete.Store(true)
	assert.ErrorIs(t, r.Delete(ctx, m.ID), errDisk)

	_, err = r.Get(m.ID)
	assert.NoError(t, err)
}

func TestSnapshotsAreIndependent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	m, err := r.Create(context.Background(), logistic("x"))
	require.NoError(t, err)

	m.Coefficients[0].Value = 42
	m.Covariates[0] = "mutated"

	got, err := r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Coefficients[0].Value)
	assert.Equal(t, "x", got.Covariates[0])

	list := r.List()
	list[0].Coefficients[1].Value = 7
	got, err = r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Coefficients[1].Value)
}

func TestListOrderedByCreation(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := r.Create(ctx, logistic("x"))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	list := r.List()
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		prev, cur := list[i-1], list[i]
		assert.True(t, prev.CreatedAt.Before(cur.CreatedAt) ||
			(prev.CreatedAt.Equal(cur.CreatedAt) && prev.ID < cur.ID))
	}
	assert.ElementsMatch(t, ids, []string{list[0].ID, list[1].ID, list[2].ID, list[3].ID, list[4].ID})
}

func TestReset(t *testing.T) {
	r, _, events := newTestRegistry(t)
	ctx := context.Background()
	m, err := r.Create(ctx, logistic("age"))
	require.NoError(t, err)

	_, err = r.IngestData(ctx, m.ID, []types.Observation{{Value: 1, Covariates: map[string]float64{"age": 2}}})
	require.NoError(t, err)

	reset, err := r.Reset(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, reset.Coefficients.Values())
	assert.Equal(t, int64(0), reset.NumTrainingData)
	assert.Equal(t, 0.0, reset.TrainLoss)
	assert.Equal(t, m.ID, reset.ID)
	assert.Equal(t, m.Hyperparameters, reset.Hyperparameters)

	assert.Equal(t, []string{EventModelCreated, EventModelTrained, EventModelReset}, events.types())
}

func TestPredict(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	m, err := r.Create(ctx, logistic("age"))
	require.NoError(t, err)

	p, err := r.Predict(m.ID, map[string]float64{"age": 40})
	require.NoError(t, err)
	assert.Equal(t, 0.5, p)

	_, err = r.IngestData(ctx, m.ID, []types.Observation{{Value: 1, Covariates: map[string]float64{"age": 1}}})
	require.NoError(t, err)
	p, err = r.Predict(m.ID, map[string]float64{"age": 1})
	require.NoError(t, err)
	assert.Greater(t, p, 0.5)

	_, err = r.Predict(m.ID, map[string]float64{"height": 1})
	assert.ErrorIs(t, err, ErrMalformedObservation)
}

func TestLoad_RebuildsFromStore(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	first, err := New(store, nil, DefaultConfig())
	require.NoError(t, err)
	m, err := first.Create(ctx, logistic("age"))
	require.NoError(t, err)
	_, err = first.IngestData(ctx, m.ID, []types.Observation{{Value: 1, Covariates: map[string]float64{"age": 3}}})
	require.NoError(t, err)
	trained, err := first.Get(m.ID)
	require.NoError(t, err)

	second, err := New(store, nil, DefaultConfig())
	require.NoError(t, err)
	n, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := second.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, trained, got)
}

func TestRefresh(t *testing.T) {
	r, store, events := newTestRegistry(t)
	ctx := context.Background()

	m, err := r.Create(ctx, logistic("age"))
	require.NoError(t, err)

	// Out-of-band update to an existing model.
	changed := m.Clone()
	changed.NumTrainingData = 42
	require.NoError(t, store.Store.Put(ctx, changed))

	live, err := r.Refresh(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, live)
	got, err := r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.NumTrainingData)

	// A model the registry has never seen is added.
	other := changed.Clone()
	other.ID = "imported"
	require.NoError(t, store.Store.Put(ctx, other))
	live, err = r.Refresh(ctx, "imported")
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, 2, r.Len())

	// A model removed from the store is dropped.
	require.NoError(t, store.Store.Delete(ctx, m.ID))
	live, err = r.Refresh(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, live)
	_, err = r.Get(m.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Unknown everywhere is a no-op.
	live, err = r.Refresh(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, live)

	assert.Equal(t, []string{EventModelCreated, EventModelRefreshed, EventModelCreated, EventModelDeleted}, events.types())
}

func TestWritesAfterOutOfBandDeleteRetireModel(t *testing.T) {
	ctx := context.Background()
	obs := []types.Observation{{Value: 1, Covariates: map[string]float64{"age": 3}}}

	tests := []struct {
		name  string
		write func(r *Registry, id string) error
	}{
		{"ingest", func(r *Registry, id string) error {
			_, err := r.IngestData(ctx, id, obs)
			return err
		}},
		{"reset", func(r *Registry, id string) error {
			_, err := r.Reset(ctx, id)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store, events := newTestRegistry(t)
			m, err := r.Create(ctx, logistic("age"))
			require.NoError(t, err)

			// cloudml-admin removes the row directly.
			require.NoError(t, store.Store.Delete(ctx, m.ID))

			assert.ErrorIs(t, tt.write(r, m.ID), ErrNotFound)
			_, err = store.Store.Get(ctx, m.ID)
			assert.ErrorIs(t, err, storage.ErrNotFound, "row is not recreated")
			_, err = r.Get(m.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Zero(t, r.Len())

			live, err := r.Refresh(ctx, m.ID)
			require.NoError(t, err)
			assert.False(t, live)
			assert.ErrorIs(t, tt.write(r, m.ID), ErrNotFound)
			assert.Equal(t, []string{EventModelCreated, EventModelDeleted}, events.types())
		})
	}
}

func TestRefresh_DeleteDuringSlowReadStaysDeleted(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{Store: memory.NewStore(), fetched: make(chan struct{}), release: make(chan struct{})}
	r, err := New(store, nil, DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, store.Store.Put(ctx, storagetest.NewModel("imported", "x")))
	store.gate.Store(true)

	first := make(chan bool, 1)
	go func() {
		live, _ := r.Refresh(ctx, "imported")
		first <- live
	}()
	<-store.fetched

	// The row is deleted while the import's refresh still holds its read.
	require.NoError(t, store.Store.Delete(ctx, "imported"))
	second := make(chan bool, 1)
	go func() {
		live, _ := r.Refresh(ctx, "imported")
		second <- live
	}()

	select {
	case <-second:
		t.Fatal("second refresh finished before the first")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)

	assert.True(t, <-first)
	assert.False(t, <-second)
	_, err = r.Get("imported")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, r.Len())
}

func TestRefresh_StoreFailure(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	m, err := r.Create(ctx, logistic("age"))
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.Refresh(cancelled, m.ID)
	assert.ErrorIs(t, err, context.Canceled)

	// The live model survives a failed read.
	_, err = r.Get(m.ID)
	assert.NoError(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Defaults.LearningRate = 0
	_, err = New(memory.NewStore(), nil, cfg)
	assert.Error(t, err)
}

func TestConcurrentIngestSameModel(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	m, err := r.Create(ctx, logistic("x"))
	require.NoError(t, err)

	const workers, batches, batchSize = 8, 25, 4
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for b := 0; b < batches; b++ {
				obs := make([]types.Observation, batchSize)
				for i := range obs {
					obs[i] = types.Observation{Value: float64((w + i) % 2), Covariates: map[string]float64{"x": float64(i)}}
				}
				acks, err := r.IngestData(ctx, m.ID, obs)
				assert.NoError(t, err)
				assert.Len(t, acks, batchSize)
			}
		}(w)
	}

	// Readers run alongside and must only see whole snapshots.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := r.Get(m.ID)
				if assert.NoError(t, err) {
					assert.Len(t, got.Coefficients, 2)
					assert.Equal(t, int64(0), got.NumTrainingData%batchSize, "never a partial batch")
				}
				_ = r.List()
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()

	got, err := r.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*batches*batchSize), got.NumTrainingData)
}

func TestConcurrentModelsAreIndependent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	const models = 10
	ids := make([]string, models)
	for i := range ids {
		m, err := r.Create(ctx, logistic("x"))
		require.NoError(t, err)
		ids[i] = m.ID
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			for j := 0; j <= i; j++ {
				_, err := r.IngestData(ctx, id, []types.Observation{{Value: 1, Covariates: map[string]float64{"x": 1}}})
				assert.NoError(t, err)
			}
		}(i, id)
	}
	wg.Wait()

	for i, id := range ids {
		got, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), got.NumTrainingData, fmt.Sprintf("model %d", i))
	}
}

func TestConcurrentDeleteAndIngest(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		m, err := r.Create(ctx, logistic("x"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var deletes atomic.Int32
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := r.IngestData(ctx, m.ID, []types.Observation{{Value: 1}})
				if err != nil {
					assert.ErrorIs(t, err, ErrNotFound)
				}
			}()
			go func() {
				defer wg.Done()
				if err := r.Delete(ctx, m.ID); err == nil {
					deletes.Add(1)
				} else {
					assert.ErrorIs(t, err, ErrNotFound)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), deletes.Load(), "exactly one delete wins")
		_, err = r.Get(m.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Get(ctx, m.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound, "no write resurrects a deleted model")
	}
}
