package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"vanilla-trader/internal/coordinator"
	"vanilla-trader/internal/logger"
	"vanilla-trader/internal/server"
	"vanilla-trader/internal/trace"
)

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	must(initializeSystem())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(ctx)
	must(err)

	tlog := initializeTradeLog(ctx)

	brk := initializeBroker(ctx, cfg)
	stream := initializeStream(cfg, brk)

	coord, err := coordinator.New(cfg, brk, stream, tlog)
	must(err)

	if os.Getenv("TRADER_AUTO_INIT") != "0" {
		coord.Initialize()
	}

	srv := server.New(cfg.Server.Listen, coord)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Run(ctx) }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	logger.Info(ctx, "trader started", "listen", cfg.Server.Listen, "condition_seq", cfg.Trading.ConditionSeq)

	select {
	case <-sigc:
		logger.Info(ctx, "shutting down")
	case err := <-srvErr:
		if err != nil {
			logger.ErrorWithErr(ctx, "control server failed", err)
		}
	}

	cancel()
	coord.Shutdown()
	if err := trace.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "tracer shutdown: %v\n", err)
	}
}
