// Command cloudml-server serves the online-learning model registry over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/cloudml/internal/config"
	"github.com/scrypster/cloudml/internal/logging"
	"github.com/scrypster/cloudml/internal/metrics"
	"github.com/scrypster/cloudml/internal/notify"
	"github.com/scrypster/cloudml/internal/registry"
	"github.com/scrypster/cloudml/internal/server"
	"github.com/scrypster/cloudml/internal/storage"
	"github.com/scrypster/cloudml/internal/storage/backend"
	"github.com/scrypster/cloudml/pkg/types"
	"github.com/scrypster/cloudml/web/handlers"
)

// gaugeInterval is how often the breaker and model gauges are refreshed.
const gaugeInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional, CLOUDML_* env vars override it)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger, nil)
	stop()

	if err != nil {
		logger.Error("server exited with error", zap.Error(err))
		_ = closeLog()
		os.Exit(1)
	}
	logger.Info("shut down gracefully")
	_ = closeLog()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadConfig()
	}
	return config.LoadConfigFile(path)
}

// run wires storage, registry and HTTP server and blocks until ctx is
// cancelled. ready, if non-nil, receives the listening address.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, ready func(addr string)) error {
	logger = logging.OrNop(logger)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	raw, err := backend.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	store := backend.Protect(raw, cfg.Storage, logger, m.SetBreakerState)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()
	m.SetBreakerState(store.State())

	hub := handlers.NewWebSocketHub(
		handlers.WithAllowedOrigins(cfg.Addr(), "localhost:*", "127.0.0.1:*"),
		handlers.WithHubLogger(logger),
		handlers.WithHubMetrics(m),
	)

	regCfg := registry.Config{
		Defaults: types.Hyperparameters{
			LearningRate:      cfg.Training.LearningRate,
			LearningRateDecay: cfg.Training.LearningRateDecay,
			Lambda:            cfg.Training.Lambda,
		},
		MaxBatchSize: cfg.Training.MaxBatchSize,
		Logger:       logger,
		Metrics:      m,
	}
	if cfg.Features.EnableWebSocket {
		regCfg.Events = hub
	}
	models, err := registry.New(store, nil, regCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}

	loaded, err := models.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	if cfg.Features.EnableStoreEvents && cfg.Storage.StorageEngine != storage.EngineMemory {
		watcher := notify.NewEventWatcher(cfg.Storage.DataPath, logger, func(eventType, id string) {
			live, err := models.Refresh(ctx, id)
			if err != nil {
				logger.Warn("failed to refresh model", zap.String("model_id", id), zap.String("event", eventType), zap.Error(err))
				return
			}
			logger.Debug("model refreshed from store", zap.String("model_id", id), zap.Bool("live", live))
		})
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch store events: %w", err)
		}
		defer watcher.Stop()
	}

	srv, err := server.New(cfg, server.Deps{
		Registry: models,
		Hub:      hub,
		Metrics:  m,
		Gatherer: promReg,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	addr, err := srv.Listen()
	if err != nil {
		return err
	}

	logger.Info("cloudml server running",
		zap.String("addr", "http://"+addr),
		zap.String("engine", cfg.Storage.StorageEngine),
		zap.Int("models", loaded))
	if ready != nil {
		ready(addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	g.Go(func() error {
		// gobreaker only moves open -> half-open when asked, so poll it.
		ticker := time.NewTicker(gaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				m.SetBreakerState(store.State())
				m.SetLiveModels(models.Len())
			}
		}
	})
	return g.Wait()
}
