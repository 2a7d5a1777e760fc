// Package main runs the PortalMark API server: the public resolution
// endpoints, the admin API, and the embedded scheduler and job workers, with
// graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/portalmark/backend/config"
	"github.com/portalmark/backend/internal/auth"
	"github.com/portalmark/backend/internal/companies"
	"github.com/portalmark/backend/internal/connections"
	"github.com/portalmark/backend/internal/content"
	"github.com/portalmark/backend/internal/marker"
	"github.com/portalmark/backend/internal/middleware"
	"github.com/portalmark/backend/internal/models"
	"github.com/portalmark/backend/internal/notifications"
	"github.com/portalmark/backend/internal/projects"
	"github.com/portalmark/backend/internal/rotation"
	"github.com/portalmark/backend/internal/scheduler"
	"github.com/portalmark/backend/internal/seed"
	"github.com/portalmark/backend/internal/viewer"
	"github.com/portalmark/backend/internal/worker"
	"github.com/portalmark/backend/pkg/database"
	"github.com/portalmark/backend/pkg/metrics"
	"github.com/portalmark/backend/pkg/queue"
	"github.com/portalmark/backend/pkg/redis"
	"github.com/portalmark/backend/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	if err := seed.Run(ctx, pool, cfg, logger); err != nil {
		logger.Warn("seed defaults", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Storage connections and providers
	cipher, err := connections.NewCipher(cfg.Storage.CredentialKey, cfg.JWT.Secret)
	if err != nil {
		logger.Fatal("credential cipher", zap.Error(err))
	}
	connRepo := connections.NewRepository(pool, cipher)
	registry := connections.NewRegistry(cfg, connRepo, logger)
	refresher := connections.NewRefresher(connRepo, registry, jobQueue, cfg, logger)
	connHandler := connections.NewHandler(connRepo, registry, jobQueue, connections.OAuthConfig(cfg), logger)

	// Auth
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Notifications
	noteRepo := notifications.NewRepository(pool)
	noteHandler := notifications.NewHandler(noteRepo, logger)

	// Companies
	companyRepo := companies.NewRepository(pool)
	companyHandler := companies.NewHandler(companyRepo, connRepo, registry, jobQueue, logger)

	// Projects
	projectRepo := projects.NewRepository(pool, noteRepo)
	projectHandler := projects.NewHandler(projectRepo, logger)

	// AR content and videos
	contentRepo := content.NewRepository(pool)
	contentHandler := content.NewHandler(contentRepo, projectRepo, companyRepo, registry, jobQueue, cfg, logger)

	// Rotation schedules
	rotationRepo := rotation.NewRepository(pool, contentRepo)
	rotationHandler := rotation.NewHandler(rotationRepo, contentRepo, logger)

	// Public resolution
	viewerHandler := viewer.NewHandler(contentRepo, registry, logger)

	// Background jobs: the server embeds the worker pool and scheduler so a
	// single binary is a complete deployment.
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
	sched := scheduler.New(jobQueue, cfg.Scheduler, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics())

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.Static("/files", cfg.Storage.LocalBasePath)

	// Public viewer endpoints
	router.GET("/content/:uuid", viewerHandler.Manifest)
	router.GET("/content/:uuid/active-video", viewerHandler.ActiveVideo)
	router.GET("/view/:uuid", viewerHandler.ViewPage)

	// OAuth callback (browser redirect from the provider, no bearer token)
	router.GET("/oauth/:provider/callback", connHandler.OAuthCallback)

	// Admin login (public)
	router.POST("/admin/auth/login", authHandler.Login)

	// Admin API (JWT + admin role)
	admin := router.Group("/admin")
	admin.Use(middleware.JWT(jwtService), middleware.RequireRole(string(models.RoleAdmin)))
	{
		admin.GET("/auth/me", authHandler.Me)
		admin.GET("/users", authHandler.List)
		admin.POST("/users", authHandler.Create)

		admin.POST("/companies", companyHandler.Create)
		admin.GET("/companies", companyHandler.List)
		admin.GET("/companies/:id", companyHandler.Get)
		admin.PATCH("/companies/:id", companyHandler.Update)
		admin.DELETE("/companies/:id", companyHandler.Delete)
		admin.POST("/companies/:id/provision", companyHandler.Provision)
		admin.GET("/companies/:id/usage", companyHandler.Usage)

		admin.POST("/projects", projectHandler.Create)
		admin.GET("/projects", projectHandler.List)
		admin.GET("/projects/:id", projectHandler.Get)
		admin.PATCH("/projects/:id", projectHandler.Update)
		admin.DELETE("/projects/:id", projectHandler.Delete)
		admin.POST("/projects/:id/expire", projectHandler.Expire)

		admin.POST("/content", contentHandler.Create)
		admin.GET("/content", contentHandler.List)
		admin.GET("/content/:id", contentHandler.Get)
		admin.PATCH("/content/:id", contentHandler.Update)
		admin.DELETE("/content/:id", contentHandler.Delete)
		admin.POST("/content/:id/marker/reset", contentHandler.ResetMarker)

		admin.POST("/content/:id/videos", contentHandler.UploadVideo)
		admin.GET("/content/:id/videos", contentHandler.ListVideos)
		admin.PATCH("/content/:id/videos/:video_id", contentHandler.UpdateVideo)
		admin.DELETE("/content/:id/videos/:video_id", contentHandler.DeleteVideo)
		admin.POST("/content/:id/videos/:video_id/activate", contentHandler.ActivateVideo)

		admin.POST("/connections", connHandler.Create)
		admin.GET("/connections", connHandler.List)
		admin.GET("/connections/:id", connHandler.Get)
		admin.PATCH("/connections/:id", connHandler.Update)
		admin.DELETE("/connections/:id", connHandler.Delete)
		admin.POST("/connections/:id/default", connHandler.SetDefault)
		admin.POST("/connections/:id/test", connHandler.Test)
		admin.POST("/connections/:id/refresh", connHandler.Refresh)
		admin.GET("/connections/:id/browse", connHandler.Browse)
		admin.GET("/oauth/:provider/start", connHandler.OAuthStart)

		admin.POST("/schedules", rotationHandler.Create)
		admin.GET("/schedules", rotationHandler.List)
		admin.GET("/schedules/:id", rotationHandler.Get)
		admin.PATCH("/schedules/:id", rotationHandler.Update)
		admin.DELETE("/schedules/:id", rotationHandler.Delete)

		admin.GET("/notifications", noteHandler.List)

		admin.GET("/queue/dead", func(c *gin.Context) {
			dead, err := jobQueue.DeadJobs(c.Request.Context(), 100)
			if err != nil {
				response.Internal(c, "failed to read dead letter queue")
				return
			}
			response.OK(c, dead)
		})
		admin.POST("/queue/dead/:id/requeue", func(c *gin.Context) {
			if err := jobQueue.RequeueDead(c.Request.Context(), c.Param("id")); err != nil {
				if errors.Is(err, queue.ErrJobNotFound) {
					response.NotFound(c, "job not found in dead letter queue")
					return
				}
				response.Internal(c, "failed to requeue job")
				return
			}
			response.OK(c, gin.H{"requeued": c.Param("id")})
		})
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	refreshCtx, refreshCancel := context.WithCancel(context.Background())
	defer refreshCancel()
	go refresher.Start(refreshCtx)
	workerPool.Start()
	sched.Start()

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Stop intake first, then producers, then drain the workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	sched.Stop()
	refreshCancel()
	workerPool.Stop()
	logger.Info("server stopped")
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
