// Package registry owns the lifecycle of online-learning models.
//
// Every live model sits behind its own entry lock. Mutations (ingest, reset,
// delete) for one model are serialised on that lock while different models
// proceed in parallel; the id -> entry table has a separate short-lived lock
// that is only held to insert, look up or remove keys. Readers never take an
// entry lock: they load the entry's current immutable snapshot atomically
// and return a deep copy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/cloudml/internal/learn"
	"github.com/scrypster/cloudml/internal/metrics"
	"github.com/scrypster/cloudml/internal/storage"
	"github.com/scrypster/cloudml/pkg/types"
)

// Config holds registry settings.
type Config struct {
	// Defaults are the hyperparameters given to models created without
	// explicit values.
	Defaults types.Hyperparameters

	// MaxBatchSize caps the observations accepted by one IngestData call.
	// Zero means no limit.
	MaxBatchSize int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Events  EventSink
}

// DefaultConfig returns a Config with the stock learning-rate schedule.
func DefaultConfig() Config {
	return Config{
		Defaults: types.Hyperparameters{
			LearningRate:      0.05,
			LearningRateDecay: 0.01,
		},
		MaxBatchSize: 10000,
	}
}

// Validate checks the configured defaults.
func (c Config) Validate() error {
	if err := validateHyperparameters(c.Defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if c.MaxBatchSize < 0 {
		return fmt.Errorf("max batch size must be >= 0, got %d", c.MaxBatchSize)
	}
	return nil
}

// ModelSpec describes a model to create. Nil hyperparameters take the
// registry defaults.
type ModelSpec struct {
	Type              types.ModelType
	Covariates        []string
	LearningRate      *float64
	LearningRateDecay *float64
	Lambda            *float64
}

// entry is one live model. snap always points at a fully committed,
// never-mutated Model; it is nil once the model is deleted.
type entry struct {
	mu      sync.Mutex // serialises mutations
	snap    atomic.Pointer[types.Model]
	deleted bool // guarded by mu
}

// Registry is the concurrency-safe table of live models.
type Registry struct {
	store   storage.ModelStore
	trainer *learn.Trainer
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex // guards models' key set only
	models map[string]*entry

	// refreshMu orders Refresh calls, so a slow read of a since-deleted row
	// cannot be inserted after the delete's own refresh has run.
	refreshMu sync.Mutex
}

// New creates an empty Registry that writes through to store.
// A nil trainer gets learn.NewTrainer().
func New(store storage.ModelStore, trainer *learn.Trainer, cfg Config) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("model store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if trainer == nil {
		trainer = learn.NewTrainer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		store:   store,
		trainer: trainer,
		cfg:     cfg,
		logger:  logger.Named("registry"),
		metrics: cfg.Metrics,
		models:  make(map[string]*entry),
	}, nil
}

// Load replaces the in-memory table with every model in the store. Call it
// once at startup, before serving requests.
func (r *Registry) Load(ctx context.Context) (int, error) {
	models, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: load models: %w", err)
	}

	table := make(map[string]*entry, len(models))
	for _, m := range models {
		if !r.trainer.Supports(m.Type) {
			r.logger.Warn("loaded model has no update rule",
				zap.String("model_id", m.ID), zap.String("type", string(m.Type)))
		}
		e := &entry{}
		e.snap.Store(m)
		table[m.ID] = e
	}

	r.mu.Lock()
	r.models = table
	r.mu.Unlock()

	r.metrics.SetLiveModels(len(table))
	r.logger.Info("models loaded", zap.Int("count", len(table)))
	return len(table), nil
}

// Create validates spec, persists a zero-initialised model and returns a
// snapshot of it.
func (r *Registry) Create(ctx context.Context, spec ModelSpec) (m *types.Model, err error) {
	defer func() { r.metrics.RegistryOp("create", err) }()

	hp, err := r.resolveSpec(spec)
	if err != nil {
		return nil, err
	}

	now := timestamp()
	model := &types.Model{
		ID:              uuid.NewString(),
		Type:            spec.Type,
		Covariates:      append([]string(nil), spec.Covariates...),
		Coefficients:    types.NewCoefficientVector(spec.Covariates),
		Hyperparameters: hp,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.store.Put(ctx, model); err != nil {
		return nil, fmt.Errorf("registry: persist model %s: %w", model.ID, err)
	}

	e := &entry{}
	e.snap.Store(model)

	r.mu.Lock()
	r.models[model.ID] = e
	live := len(r.models)
	r.mu.Unlock()

	r.metrics.SetLiveModels(live)
	r.logger.Info("model created",
		zap.String("model_id", model.ID),
		zap.String("type", string(model.Type)),
		zap.Strings("covariates", model.Covariates))
	r.emit(Event{Type: EventModelCreated, ModelID: model.ID, Model: model.Clone(), Time: now})

	return model.Clone(), nil
}

// Get returns a snapshot of the model's current state.
func (r *Registry) Get(id string) (*types.Model, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, notFound(id)
	}
	snap := e.snap.Load()
	if snap == nil {
		return nil, notFound(id)
	}
	return snap.Clone(), nil
}

// List returns snapshots of every live model ordered by creation time,
// then ID.
func (r *Registry) List() []*types.Model {
	r.mu.RLock()
	out := make([]*types.Model, 0, len(r.models))
	for _, e := range r.models {
		if snap := e.snap.Load(); snap != nil {
			out = append(out, snap.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of live models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// IngestData trains the model on obs, in order, and commits the result as
// one unit. It returns one acknowledgement per observation in submission
// order. On any error the model is left exactly as it was.
func (r *Registry) IngestData(ctx context.Context, id string, obs []types.Observation) (acks []types.Datum, err error) {
	defer func() { r.metrics.RegistryOp("ingest", err) }()

	if r.cfg.MaxBatchSize > 0 && len(obs) > r.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d observations, limit is %d", ErrBatchTooLarge, len(obs), r.cfg.MaxBatchSize)
	}

	e := r.lookup(id)
	if e == nil {
		return nil, notFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return nil, notFound(id)
	}
	cur := e.snap.Load()
	if len(obs) == 0 {
		return []types.Datum{}, nil
	}

	start := time.Now()
	up, err := r.trainer.Update(cur, obs)
	if err != nil {
		r.logger.Debug("batch rejected", zap.String("model_id", id), zap.Int("count", len(obs)), zap.Error(err))
		return nil, err
	}

	next := cur.Clone()
	next.Coefficients = up.Coefficients
	next.NumTrainingData += up.NumTrainingDataDelta
	next.TrainLoss = up.TrainLoss
	next.UpdatedAt = timestamp()

	if err := r.commit(ctx, e, next); err != nil {
		return nil, err
	}
	r.metrics.ObserveBatch(string(next.Type), len(obs), time.Since(start))

	acks = make([]types.Datum, len(obs))
	for i, o := range obs {
		acks[i] = types.Datum{
			ID:         uuid.NewString(),
			Model:      id,
			Value:      o.Value,
			Covariates: echoCovariates(next.Covariates, o.Covariates),
			Prediction: up.Predictions[i],
		}
	}

	r.logger.Debug("model trained",
		zap.String("model_id", id),
		zap.Int("count", len(obs)),
		zap.Int64("num_training_data", next.NumTrainingData))
	r.emit(Event{Type: EventModelTrained, ModelID: id, Model: next.Clone(), Count: len(obs), Time: next.UpdatedAt})

	return acks, nil
}

// Reset zeros the model's coefficients, training count and loss, keeping
// its ID, covariates and hyperparameters.
func (r *Registry) Reset(ctx context.Context, id string) (m *types.Model, err error) {
	defer func() { r.metrics.RegistryOp("reset", err) }()

	e := r.lookup(id)
	if e == nil {
		return nil, notFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return nil, notFound(id)
	}

	next := e.snap.Load().Clone()
	next.Coefficients = types.NewCoefficientVector(next.Covariates)
	next.NumTrainingData = 0
	next.TrainLoss = 0
	next.UpdatedAt = timestamp()

	if err := r.commit(ctx, e, next); err != nil {
		return nil, err
	}

	r.logger.Info("model reset", zap.String("model_id", id))
	r.emit(Event{Type: EventModelReset, ModelID: id, Model: next.Clone(), Time: next.UpdatedAt})
	return next.Clone(), nil
}

// Delete permanently removes a model. A second Delete of the same ID, and
// every later operation on it, returns ErrNotFound.
func (r *Registry) Delete(ctx context.Context, id string) (err error) {
	defer func() { r.metrics.RegistryOp("delete", err) }()

	e := r.lookup(id)
	if e == nil {
		return notFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return notFound(id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("registry: delete model %s: %w", id, err)
	}

	e.deleted = true
	e.snap.Store(nil)
	r.drop(id)

	r.logger.Info("model deleted", zap.String("model_id", id))
	r.emit(Event{Type: EventModelDeleted, ModelID: id, Time: timestamp()})
	return nil
}

// Refresh reconciles one model with the store after an out-of-band change,
// such as an admin import or delete. A stored model replaces the live
// snapshot or is added; a model missing from the store is dropped. It
// reports whether the model is live afterwards.
func (r *Registry) Refresh(ctx context.Context, id string) (live bool, err error) {
	defer func() { r.metrics.RegistryOp("refresh", err) }()

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	if e := r.lookup(id); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.deleted {
			return false, nil
		}

		stored, err := r.fetch(ctx, id)
		if err != nil {
			return false, err
		}
		if stored == nil {
			e.deleted = true
			e.snap.Store(nil)
			r.drop(id)
			r.logger.Info("model removed by refresh", zap.String("model_id", id))
			r.emit(Event{Type: EventModelDeleted, ModelID: id, Time: timestamp()})
			return false, nil
		}

		e.snap.Store(stored)
		r.logger.Info("model refreshed", zap.String("model_id", id))
		r.emit(Event{Type: EventModelRefreshed, ModelID: id, Model: stored.Clone(), Time: timestamp()})
		return true, nil
	}

	stored, err := r.fetch(ctx, id)
	if err != nil || stored == nil {
		return false, err
	}

	e := &entry{}
	e.snap.Store(stored)

	r.mu.Lock()
	if _, exists := r.models[id]; exists {
		r.mu.Unlock()
		return true, nil
	}
	r.models[id] = e
	n := len(r.models)
	r.mu.Unlock()

	r.metrics.SetLiveModels(n)
	r.logger.Info("model added by refresh", zap.String("model_id", id))
	r.emit(Event{Type: EventModelCreated, ModelID: id, Model: stored.Clone(), Time: timestamp()})
	return true, nil
}

// fetch reads id from the store, returning nil without error when it is
// absent.
func (r *Registry) fetch(ctx context.Context, id string) (*types.Model, error) {
	m, err := r.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: refresh model %s: %w", id, err)
	}
	if !r.trainer.Supports(m.Type) {
		r.logger.Warn("refreshed model has no update rule",
			zap.String("model_id", m.ID), zap.String("type", string(m.Type)))
	}
	return m, nil
}

func (r *Registry) drop(id string) {
	r.mu.Lock()
	delete(r.models, id)
	n := len(r.models)
	r.mu.Unlock()
	r.metrics.SetLiveModels(n)
}

// Predict evaluates the model's current snapshot at covariates.
func (r *Registry) Predict(id string, covariates map[string]float64) (float64, error) {
	m, err := r.snapshot(id)
	if err != nil {
		return 0, err
	}
	return r.trainer.Predict(m, covariates)
}

// snapshot returns the current snapshot without copying. Callers must not
// modify it.
func (r *Registry) snapshot(id string) (*types.Model, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, notFound(id)
	}
	snap := e.snap.Load()
	if snap == nil {
		return nil, notFound(id)
	}
	return snap, nil
}

// commit writes next over the stored row and, only if that succeeds,
// publishes it as the entry's snapshot. A row deleted behind the registry's
// back (by cloudml-admin) retires the entry instead of being recreated.
// e.mu must be held.
func (r *Registry) commit(ctx context.Context, e *entry, next *types.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := r.store.Update(ctx, next)
	if errors.Is(err, storage.ErrNotFound) {
		e.deleted = true
		e.snap.Store(nil)
		r.drop(next.ID)
		r.logger.Info("model removed from store, retiring", zap.String("model_id", next.ID))
		r.emit(Event{Type: EventModelDeleted, ModelID: next.ID, Time: timestamp()})
		return notFound(next.ID)
	}
	if err != nil {
		r.logger.Error("failed to persist model", zap.String("model_id", next.ID), zap.Error(err))
		return fmt.Errorf("registry: persist model %s: %w", next.ID, err)
	}
	e.snap.Store(next)
	return nil
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models[id]
}

func (r *Registry) emit(ev Event) {
	r.metrics.Event(ev.Type)
	if r.cfg.Events != nil {
		r.cfg.Events.Publish(ev)
	}
}

// resolveSpec validates spec and fills in default hyperparameters.
func (r *Registry) resolveSpec(spec ModelSpec) (types.Hyperparameters, error) {
	if !r.trainer.Supports(spec.Type) {
		return types.Hyperparameters{}, fmt.Errorf("%w: unsupported model type %q", ErrInvalidModelSpec, spec.Type)
	}
	if len(spec.Covariates) == 0 {
		return types.Hyperparameters{}, fmt.Errorf("%w: at least one covariate is required", ErrInvalidModelSpec)
	}

	seen := make(map[string]struct{}, len(spec.Covariates))
	for _, c := range spec.Covariates {
		switch {
		case c == "":
			return types.Hyperparameters{}, fmt.Errorf("%w: covariate names must be non-empty", ErrInvalidModelSpec)
		case c == types.InterceptLabel:
			return types.Hyperparameters{}, fmt.Errorf("%w: %q is reserved; the intercept is added implicitly as the first coefficient", ErrInvalidModelSpec, types.InterceptLabel)
		}
		if _, dup := seen[c]; dup {
			return types.Hyperparameters{}, fmt.Errorf("%w: duplicate covariate %q", ErrInvalidModelSpec, c)
		}
		seen[c] = struct{}{}
	}

	hp := r.cfg.Defaults
	if spec.LearningRate != nil {
		hp.LearningRate = *spec.LearningRate
	}
	if spec.LearningRateDecay != nil {
		hp.LearningRateDecay = *spec.LearningRateDecay
	}
	if spec.Lambda != nil {
		hp.Lambda = *spec.Lambda
	}
	if err := validateHyperparameters(hp); err != nil {
		return types.Hyperparameters{}, fmt.Errorf("%w: %v", ErrInvalidModelSpec, err)
	}
	return hp, nil
}

func validateHyperparameters(hp types.Hyperparameters) error {
	switch {
	case !(hp.LearningRate > 0) || math.IsInf(hp.LearningRate, 0):
		return fmt.Errorf("learning_rate must be a positive finite number, got %v", hp.LearningRate)
	case !(hp.LearningRateDecay >= 0) || math.IsInf(hp.LearningRateDecay, 0):
		return fmt.Errorf("learning_rate_decay must be a finite number >= 0, got %v", hp.LearningRateDecay)
	case !(hp.Lambda >= 0) || math.IsInf(hp.Lambda, 0):
		return fmt.Errorf("lambda must be a finite number >= 0, got %v", hp.Lambda)
	}
	return nil
}

// echoCovariates lists every declared covariate with its observed value,
// 0 when absent.
func echoCovariates(declared []string, values map[string]float64) []types.Covariate {
	out := make([]types.Covariate, len(declared))
	for i, name := range declared {
		out[i] = types.Covariate{Label: name, Value: values[name]}
	}
	return out
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func timestamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
