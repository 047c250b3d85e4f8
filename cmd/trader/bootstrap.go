package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"vanilla-trader/internal/broker"
	"vanilla-trader/internal/broker/brokerobs"
	"vanilla-trader/internal/interfaces"
	"vanilla-trader/internal/logger"
	"vanilla-trader/internal/store"
	"vanilla-trader/internal/trace"
	"vanilla-trader/internal/tradelog"

	"github.com/joho/godotenv"
)

// initializeSystem initializes environment, logger and tracer
func initializeSystem() error {
	// Load environment variables
	_ = godotenv.Load()

	// Initialize logger
	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Initialize tracer
	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}

	return nil
}

// loadConfig loads and returns the configuration
func loadConfig(ctx context.Context) (*store.Config, error) {
	path := os.Getenv("TRADER_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err)
		return nil, err
	}
	return cfg, nil
}

// initializeTradeLog opens the trade log and compresses old files if a
// retention is configured
func initializeTradeLog(ctx context.Context) *tradelog.Logger {
	dir := os.Getenv("TRADER_LOG_DIR")
	if dir == "" {
		dir = "tradelogs"
	}
	tlog, err := tradelog.New(dir)
	if err != nil {
		logger.Warn(ctx, "Trade log unavailable, continuing without it", "error", err)
		return nil
	}

	if v := os.Getenv("TRADER_LOG_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if err := tlog.CompressOlder(n); err != nil {
				logger.Warn(ctx, "Failed to compress old trade logs", "error", err)
			}
		}
	}
	return tlog
}

// initializeBroker builds the REST client and wraps it with observability
func initializeBroker(ctx context.Context, cfg *store.Config) interfaces.Broker {
	appKey := os.Getenv(cfg.Broker.AppKeyEnv)
	appSecret := os.Getenv(cfg.Broker.AppSecretEnv)
	if appKey == "" || appSecret == "" {
		logger.Warn(ctx, "Broker credentials not set, login will fail",
			"app_key_env", cfg.Broker.AppKeyEnv, "app_secret_env", cfg.Broker.AppSecretEnv)
	}

	if cfg.Broker.UseMock {
		logger.Warn(ctx, "Using mock brokerage endpoints", "rest", cfg.RestURL(), "ws", cfg.StreamURL())
	}

	rest := broker.NewRestClient(cfg.RestURL(), appKey, appSecret)

	// Wrap with observability middleware
	return brokerobs.Wrap(rest)
}

// initializeStream builds the websocket client against the broker's token
func initializeStream(cfg *store.Config, brk interfaces.Broker) interfaces.Stream {
	return broker.NewStreamClient(cfg.StreamURL(), brk.Token)
}
