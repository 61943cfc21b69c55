// Package main is the entry point for the bastion deployment agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/agent/database"
	"github.com/bastion-dev/bastion/internal/agent/deploy"
	"github.com/bastion-dev/bastion/internal/agent/hostinfo"
	"github.com/bastion-dev/bastion/internal/agent/infralog"
	"github.com/bastion-dev/bastion/internal/agent/proxyconf"
	"github.com/bastion-dev/bastion/internal/agent/runtime"
	"github.com/bastion-dev/bastion/internal/agent/runtimes"
	"github.com/bastion-dev/bastion/internal/agent/selfupdate"
	"github.com/bastion-dev/bastion/internal/agent/state"
	"github.com/bastion-dev/bastion/internal/agent/supervise"
	"github.com/bastion-dev/bastion/internal/agent/sysservice"
	"github.com/bastion-dev/bastion/internal/agent/verifier"
	"github.com/bastion-dev/bastion/internal/common/config"
	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

func main() {
	token := flag.String("token", "", "registration token for first contact")
	url := flag.String("url", "", "orchestrator WebSocket URL (overrides config)")
	dataDir := flag.String("data-dir", "", "agent data directory (overrides config)")
	configPath := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	// 1. Load .env if present, then configuration
	_ = godotenv.Load()
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Agent.OrchestratorURL = *url
	}
	if *dataDir != "" {
		cfg.Agent.DataDir = *dataDir
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

	log.Info("Starting bastion agent...",
		zap.String("orchestrator", cfg.Agent.OrchestratorURL),
		zap.String("data_dir", cfg.Agent.DataDir))

	// 3. Load or create the agent identity
	identityDir := filepath.Join(cfg.Agent.DataDir, "identity")
	identity, err := protocol.LoadOrCreateIdentity(identityDir)
	if err != nil {
		log.Fatal("Failed to load identity", zap.Error(err))
	}

	// 4. Open the local state store
	st, err := state.Open(cfg.Agent.DataDir)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	// 5. Build the command verifier over the cached orchestrator key
	verif, err := verifier.New(st, log)
	if err != nil {
		log.Fatal("Failed to initialize verifier", zap.Error(err))
	}

	// 6. Host subsystems
	super := supervise.New(log)
	services := sysservice.New(log)
	runtimeMgr := runtimes.New(log)
	host := hostinfo.New(cfg.Agent.Version, runtimeMgr, services)

	binPath, err := os.Executable()
	if err != nil {
		log.Fatal("Failed to resolve agent binary path", zap.Error(err))
	}

	agent := runtime.New(runtime.Options{
		OrchestratorURL: cfg.Agent.OrchestratorURL,
		Token:           *token,
		Version:         cfg.Agent.Version,
		IdentityDir:     identityDir,
		DataDir:         cfg.Agent.DataDir,
		MaxReconnect:    time.Duration(cfg.Agent.MaxReconnectSec) * time.Second,
		Identity:        identity,
		State:           st,
		Verifier:        verif,
		Super:           super,
		Proxies:         proxyconf.New(cfg.Agent.NginxConfDir, cfg.Agent.CertbotBin, log),
		Services:        services,
		Runtimes:        runtimeMgr,
		Database:        database.New(log),
		Host:            host,
		InfraLog:        infralog.New(),
		Updater:         selfupdate.New(binPath, log),
		Logger:          log,
	})

	// 7. Deploy pipeline reports through the agent connection
	pipeline := deploy.New(deploy.Options{
		Store:         st,
		Supervisor:    super,
		Reporter:      agent,
		DataDir:       cfg.Agent.DataDir,
		BuildTimeout:  time.Duration(cfg.Agent.BuildTimeout) * time.Second,
		HealthTimeout: time.Duration(cfg.Agent.HealthTimeout) * time.Second,
		Logger:        log,
	})
	agent.SetPipeline(pipeline)
	super.SetExitHandler(agent.OnProcessExit)

	// 8. Run until a signal or a shutdown command
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info("Shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	err = agent.Run(ctx)
	super.StopAll()
	if err != nil && err != context.Canceled {
		log.Error("Agent exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Agent stopped")
}
