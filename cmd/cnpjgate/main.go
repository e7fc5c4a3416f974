// Package main is the entry point for cnpjgate, a rate-limit-respecting
// lookup gateway for the Brazilian CNPJ company registry.
//
// cnpjgate sits between internal consumers and the public ReceitaWS API and
// provides:
//   - Local checksum validation so malformed identifiers never spend quota
//   - A TTL result cache (in-memory or Redis) shared across consumers
//   - A throttle gate that paces outbound registry calls to the quota
//   - Full observability: Prometheus metrics, health checks, structured
//     logging, OpenTelemetry tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cnpjgate/cnpjgate/internal/config"
	"github.com/cnpjgate/cnpjgate/internal/observability"
	"github.com/cnpjgate/cnpjgate/internal/redis"
	"github.com/cnpjgate/cnpjgate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("cnpjgate %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger and route go-redis logs through it.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	redis.InitLogger(logger)
	logger.Info("starting cnpjgate", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create and start the server.
	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload.
	current := cfg
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if restart := newCfg.RequiresRestart(current); len(restart) > 0 {
			logger.Warn("config fields changed that require a restart; not applied", "fields", restart)
		}
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
			return
		}
		current = newCfg
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("cnpjgate shut down gracefully")
}
