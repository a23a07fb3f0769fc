// Package main is the entry point for conflux, the ingestion and
// correlation service: it consumes the three event streams, converges them
// into confidence-scored groups and persists them bi-temporally.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/confluxd/conflux/config"
	"github.com/confluxd/conflux/service"
)

// Build information.
const (
	Version = "0.1.0"
	appName = "conflux"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()
	if cli.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return err
	}
	// Flags take precedence over the config file.
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.LogFormat = cli.LogFormat
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := service.NewPipeline(cfg, logger)
	if err != nil {
		return err
	}
	if err := pipeline.Initialize(ctx); err != nil {
		return err
	}
	if err := pipeline.Start(ctx); err != nil {
		_ = pipeline.Stop(cli.ShutdownTimeout)
		return err
	}

	logger.Info("conflux running",
		"version", Version, "gateway", cfg.Gateway.Addr, "nats", cfg.NATS.URL)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return pipeline.Stop(cli.ShutdownTimeout)
}
