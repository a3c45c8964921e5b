package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/spanledger/internal/cli"
	"github.com/ashita-ai/spanledger/internal/config"
	"github.com/ashita-ai/spanledger/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	// Logs go to stderr; stdout carries command output and the MCP stream.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	root := cli.NewRootCommand(&cli.RootOptions{Config: cfg, Logger: logger, Version: version})
	root.Version = version
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "error", err)
		return 1
	}
	return 0
}
