package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"wslicense/internal/app"
	"wslicense/internal/config"
	"wslicense/internal/infrastructure"
)

// Set at link time by build.go.
var (
	Version   = "dev"
	BuildTime = ""
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer infrastructure.CloseLogFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background work logs under one process trace id; requests get
	// their own from the RequestID middleware.
	ctx = infrastructure.EnsureTraceID(ctx)
	boot := infrastructure.LoggerWithContext(ctx)

	boot.Info("licensed starting",
		slog.String("version", Version),
		slog.String("build_time", BuildTime))

	if cfg.Security.AdminToken == "" {
		boot.Warn("No admin token configured, operator endpoints are disabled")
	}

	application, err := app.NewApplication(ctx, cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run(ctx)
}
