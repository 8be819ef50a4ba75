// Package main is the Aether kernel daemon: one binary serving the
// WebSocket control plane, the REST plane, and every kernel subsystem.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aether-os/aether/internal/common/config"
	"github.com/aether-os/aether/internal/common/logger"
	"github.com/aether-os/aether/internal/kernel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	// The tracer initializes lazily from the environment; surface the
	// config-file value there so both paths behave the same.
	if cfg.Tracing.OTLPEndpoint != "" {
		_ = os.Setenv("AETHER_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	}

	k, err := kernel.New(cfg, nil, log)
	if err != nil {
		log.Error("kernel construction failed: " + err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := k.Run(ctx); err != nil {
		log.Error("kernel exited with error: " + err.Error())
		os.Exit(1)
	}
}
