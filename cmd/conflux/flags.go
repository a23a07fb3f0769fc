package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config", getEnv("CONFLUX_CONFIG", ""),
		"Path to configuration file, JSON or YAML (env: CONFLUX_CONFIG)")
	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (env: CONFLUX_LOG_LEVEL)")
	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second,
		"Graceful shutdown timeout")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, `%s - ingestion and correlation service

Usage: %s [options]

Options:
`, appName, os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
