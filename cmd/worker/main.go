// Package main runs the standalone PortalMark worker: extra consumers for the
// marker, notification and default queues, without the HTTP surface. The
// scheduler and token refresher stay in the server binary so sweeps are
// produced exactly once; this binary only adds consumption throughput.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/internal/connections"
	"github.com/portalmark/backend/internal/content"
	"github.com/portalmark/backend/internal/marker"
	"github.com/portalmark/backend/internal/notifications"
	"github.com/portalmark/backend/internal/projects"
	"github.com/portalmark/backend/internal/rotation"
	"github.com/portalmark/backend/internal/worker"
	"github.com/portalmark/backend/pkg/database"
	"github.com/portalmark/backend/pkg/queue"
	"github.com/portalmark/backend/pkg/redis"
)

func main() {
	logger := newLogger("")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", zap.Error(err))
		_ = logger.Sync()
		os.Exit(2)
	}
	logger = newLogger(cfg.Log.Level)
	defer logger.Sync()

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jobQueue := queue.NewQueue(rdb.Client, logger)

	cipher, err := connections.NewCipher(cfg.Storage.CredentialKey, cfg.JWT.Secret)
	if err != nil {
		logger.Fatal("credential cipher", zap.Error(err))
	}
	connRepo := connections.NewRepository(pool, cipher)
	registry := connections.NewRegistry(cfg, connRepo, logger)
	refresher := connections.NewRefresher(connRepo, registry, jobQueue, cfg, logger)

	noteRepo := notifications.NewRepository(pool)
	contentRepo := content.NewRepository(pool)
	projectRepo := projects.NewRepository(pool, noteRepo)
	rotationRepo := rotation.NewRepository(pool, contentRepo)

	markerProc := marker.NewProcessor(contentRepo, registry, jobQueue, marker.NewCompiler(cfg.Compiler), cfg, logger)
	workerPool := worker.NewPool(jobQueue, cfg.Worker, logger)
	jobs := &worker.Jobs{
		Marker:    markerProc,
		Projects:  projectRepo,
		Rotation:  rotationRepo,
		Notes:     noteRepo,
		Refresher: refresher,
		Scheduler: cfg.Scheduler,
		Logger:    logger,
	}
	jobs.RegisterAll(workerPool)

	workerPool.Start()
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerPool.Stop()
	logger.Info("worker stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	logger, _ := config.Build()
	return logger
}
