package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/metrics"
	"github.com/devrev/pairdb/sync-node/internal/server"
	"github.com/devrev/pairdb/sync-node/internal/service"
	"github.com/devrev/pairdb/sync-node/internal/store"
	"github.com/devrev/pairdb/sync-node/internal/transport"
	"github.com/devrev/pairdb/sync-node/internal/util/workerpool"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("stores", len(cfg.Stores)))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Sync node failed", zap.Error(err))
	}
	logger.Info("Sync node stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Server.NodeID, reg)

	// Initialize stores
	services := make([]*service.SyncService, 0, len(cfg.Stores))
	defer func() {
		for _, svc := range services {
			if err := svc.Close(); err != nil {
				logger.Error("Failed to close store", zap.String("store", svc.Name()), zap.Error(err))
			}
		}
	}()
	served := make(map[string]store.Store, len(cfg.Stores))
	checks := make([]server.HealthChecker, 0, len(cfg.Stores))
	for i := range cfg.Stores {
		sc := &cfg.Stores[i]
		backend, err := buildStore(sc, logger, m)
		if err != nil {
			return fmt.Errorf("store %s: %w", sc.Name, err)
		}
		svc, err := service.NewSyncService(sc.Name, backend, &cfg.OpCache, &cfg.Subscription, logger, m)
		if err != nil {
			backend.Close()
			return fmt.Errorf("store %s: %w", sc.Name, err)
		}
		services = append(services, svc)
		served[sc.Name] = svc
		checks = append(checks, svc)
		logger.Info("Store ready",
			zap.String("store", sc.Name),
			zap.String("kind", sc.Kind),
			zap.Any("versions", svc.Frontier()))
	}

	// Initialize gossip service if enabled
	if cfg.Gossip.Enabled {
		gossipSvc, err := service.NewGossipService(&cfg.Gossip, cfg.Server.NodeID, services, logger, m)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			defer gossipSvc.Shutdown()
			logger.Info("Gossip service initialized")
		}
	}

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "transport",
		MaxWorkers: cfg.WorkerPool.Workers,
		QueueSize:  cfg.WorkerPool.QueueSize,
		Logger:     logger,
	})
	defer pool.Stop(cfg.Server.ShutdownTimeout)

	transportSrv := transport.NewServer(&cfg.Server, served, pool, logger, m)

	var metricsSrv *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsSrv = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, reg, m, checks, logger)
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(transportSrv.Start)
	if metricsSrv != nil {
		g.Go(metricsSrv.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := transportSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Transport shutdown failed", zap.Error(err))
		}
		if metricsSrv != nil {
			if err := metricsSrv.Stop(shutdownCtx); err != nil {
				logger.Error("Metrics shutdown failed", zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}

// buildStore creates the backend for one configured store
func buildStore(sc *config.StoreConfig, logger *zap.Logger, m *metrics.Metrics) (store.SimpleStore, error) {
	switch sc.Kind {
	case config.StoreKindSingle:
		return store.NewSingleStore(sc, logger, m), nil
	case config.StoreKindJSONFile:
		return store.NewJSONFileStore(sc, logger, m)
	default:
		return store.NewMemoryStore(sc, logger, m), nil
	}
}

// initLogger initializes the zap logger
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
