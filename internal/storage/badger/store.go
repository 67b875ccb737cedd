// Package badger provides an embedded key/value implementation of
// storage.ModelStore on top of BadgerDB. Each model is one JSON value under
// the key "model/<id>".
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/scrypster/cloudml/internal/storage"
	"github.com/scrypster/cloudml/pkg/types"
)

const keyPrefix = "model/"

// Config holds configuration for a BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before GC rewrites a file.
	GCDiscardRatio float64

	// Logger receives BadgerDB's internal messages. Nil silences them.
	Logger *zap.Logger
}

// DefaultConfig returns production defaults for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Compile-time contract assertion.
var _ storage.ModelStore = (*ModelStore)(nil)

// ModelStore implements storage.ModelStore using BadgerDB.
type ModelStore struct {
	db     *badger.DB
	logger *zap.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// badgerLogger adapts zap to BadgerDB's Logger interface.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// NewModelStore opens a BadgerDB store with the given configuration.
func NewModelStore(cfg Config) (*ModelStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("badger: create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
		opts = opts.WithLogger(nil)
	} else {
		opts = opts.WithLogger(badgerLogger{s: logger.Named("badger").Sugar()})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open database: %w", err)
	}

	s := &ModelStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *ModelStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing worth collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC failed", zap.Error(err))
			}
		}
	}
}

func modelKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// Put implements storage.ModelStore.
func (s *ModelStore) Put(ctx context.Context, m *types.Model) error {
	if err := storage.ValidateModel(m); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("badger: failed to encode model %s: %w", m.ID, err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(modelKey(m.ID), val)
	}); err != nil {
		return fmt.Errorf("badger: failed to put model %s: %w", m.ID, err)
	}
	return nil
}

// Update implements storage.ModelStore. The existence check and the write
// share one transaction, so a concurrent Delete makes it conflict or miss.
func (s *ModelStore) Update(ctx context.Context, m *types.Model) error {
	if err := storage.ValidateModel(m); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("badger: failed to encode model %s: %w", m.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(modelKey(m.ID)); err != nil {
			return err
		}
		return txn.Set(modelKey(m.ID), val)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: model %s", storage.ErrNotFound, m.ID)
	}
	if err != nil {
		return fmt.Errorf("badger: failed to update model %s: %w", m.ID, err)
	}
	return nil
}

// Get implements storage.ModelStore.
func (s *ModelStore) Get(ctx context.Context, id string) (*types.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var m types.Model
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(modelKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: model %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("badger: failed to get model %s: %w", id, err)
	}
	return &m, nil
}

// List implements storage.ModelStore.
func (s *ModelStore) List(ctx context.Context) ([]*types.Model, error) {
	var out []*types.Model
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var m types.Model
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("key %s: %w", item.Key(), err)
			}
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: failed to list models: %w", err)
	}

	storage.SortModels(out)
	return out, nil
}

// Delete implements storage.ModelStore.
func (s *ModelStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(modelKey(id)); err != nil {
			return err
		}
		return txn.Delete(modelKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: model %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("badger: failed to delete model %s: %w", id, err)
	}
	return nil
}

// Close stops value log GC and closes the database.
func (s *ModelStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}
