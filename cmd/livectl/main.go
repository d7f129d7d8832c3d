// Package main provides livectl, the operator CLI for live sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/internal/app"
)

const Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd(connect).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// connect wires the coordinator against the configured backends.
func connect(ctx context.Context, verbose bool) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	lc := zap.NewDevelopmentConfig()
	lc.Level = zap.NewAtomicLevelAt(level)
	logger, err := lc.Build()
	if err != nil {
		return nil, err
	}
	if cfg.Backends.Store == "memory" {
		logger.Warn("STORE_BACKEND=memory: livectl only sees its own process state")
	}
	return app.New(ctx, cfg, logger)
}
