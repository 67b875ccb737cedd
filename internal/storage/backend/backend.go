// Package backend opens the storage.ModelStore selected by configuration.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/scrypster/cloudml/internal/config"
	"github.com/scrypster/cloudml/internal/storage"
	"github.com/scrypster/cloudml/internal/storage/badger"
	"github.com/scrypster/cloudml/internal/storage/memory"
	"github.com/scrypster/cloudml/internal/storage/postgres"
	"github.com/scrypster/cloudml/internal/storage/sqlite"
)

// SQLiteFile and BadgerDir are the names created under Storage.DataPath.
const (
	SQLiteFile = "cloudml.db"
	BadgerDir  = "badger"
)

// Open opens the engine named in cfg.StorageEngine. The result is not
// wrapped in a circuit breaker; see Protect.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.ModelStore, error) {
	switch cfg.StorageEngine {
	case storage.EngineMemory, "":
		return memory.NewStore(), nil

	case storage.EngineSQLite:
		if err := os.MkdirAll(cfg.DataPath, 0750); err != nil {
			return nil, fmt.Errorf("backend: create data directory %s: %w", cfg.DataPath, err)
		}
		return sqlite.NewModelStore(ctx, filepath.Join(cfg.DataPath, SQLiteFile))

	case storage.EnginePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("backend: %w: postgres DSN is required", storage.ErrInvalidInput)
		}
		return postgres.NewModelStore(ctx, cfg.PostgresDSN)

	case storage.EngineBadger:
		bcfg := badger.DefaultConfig(filepath.Join(cfg.DataPath, BadgerDir))
		bcfg.Logger = logger
		return badger.NewModelStore(bcfg)

	default:
		return nil, fmt.Errorf("backend: %w: unknown storage engine %q", storage.ErrInvalidInput, cfg.StorageEngine)
	}
}

// Protect wraps store in a circuit breaker configured from cfg. State
// changes are logged and passed to onState, which may be nil.
func Protect(store storage.ModelStore, cfg config.StorageConfig, logger *zap.Logger, onState func(string)) *storage.BreakerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return storage.NewBreakerStore(store, storage.BreakerConfig{
		MaxFailures: cfg.BreakerMaxFailures,
		Timeout:     cfg.BreakerTimeout,
		OnStateChange: func(from, to string) {
			logger.Warn("store circuit breaker changed state",
				zap.String("from", from), zap.String("to", to))
			if onState != nil {
				onState(to)
			}
		},
	})
}
