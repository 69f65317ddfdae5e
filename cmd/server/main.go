package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/app"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/config"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	if err := app.Serve(ctx, cfg.Addr(), a.Handler(), logger); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		a.Close()
		os.Exit(1)
	}
}
