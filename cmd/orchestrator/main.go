// Package main is the entry point for the bastion orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bastion-dev/bastion/internal/common/config"
	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/internal/events/bus"
	"github.com/bastion-dev/bastion/internal/orchestrator"
	"github.com/bastion-dev/bastion/internal/store"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	// 1. Load .env if present, then configuration
	_ = godotenv.Load()
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting bastion orchestrator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the repository store
	var st store.Store
	switch cfg.Database.Driver {
	case "postgres":
		st, err = store.OpenPostgres(cfg.Database.DSN())
	default:
		st, err = store.OpenSQLite(cfg.Database.Path)
	}
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	log.Info("Store ready", zap.String("driver", cfg.Database.Driver))

	// 4. Connect the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Build the orchestrator: identity, registry, hub, router, HTTP
	srv, err := orchestrator.New(cfg, st, eventBus, log)
	if err != nil {
		log.Fatal("Failed to build orchestrator", zap.Error(err))
	}

	// 6. Serve until a signal arrives
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			log.Info("Shutting down", zap.String("signal", sig.String()))
		case <-gctx.Done():
			return gctx.Err()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Orchestrator exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Orchestrator stopped")
}
