// Package main runs the archive worker: ended recorded sessions are summarized to S3.
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
	"github.com/aura-live/backend/internal/archive"
	"github.com/aura-live/backend/internal/sessionlog"
	"github.com/aura-live/backend/internal/stats"
	"github.com/aura-live/backend/internal/store"
	"github.com/aura-live/backend/pkg/database"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/redis"
	"github.com/aura-live/backend/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ArchiveBucket:        cfg.AWS.ArchiveBucket,
		Endpoint:             cfg.AWS.S3Endpoint,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	processor := archive.NewProcessor(
		store.NewPostgres(pool),
		stats.NewRepository(pool),
		sessionlog.NewRepository(pool),
		s3Client,
		queue.NewQueue(rdb, logger),
		logger,
	)

	logger.Info("worker started", zap.String("bucket", cfg.AWS.ArchiveBucket))
	processor.Run(ctx)
	logger.Info("worker stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		config.Level = lvl
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
