package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"image-classifier/internal/cache"
	"image-classifier/internal/catalog"
	"image-classifier/internal/config"
	"image-classifier/internal/handler"
	"image-classifier/internal/ingest"
	"image-classifier/internal/metrics"
	"image-classifier/internal/queue/rabbitmq"
	pgstore "image-classifier/internal/repository/postgres"
	"image-classifier/internal/storage/backend"
	"image-classifier/internal/training"
	"image-classifier/pkg/database/postgres"
	"image-classifier/pkg/logger"
	"image-classifier/pkg/security"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()
	zlog.Info("starting API gateway", zap.String("environment", cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	zlog.Info("connecting to PostgreSQL")
	pgPool, err := postgres.NewClient(startCtx, cfg.PostgresURL)
	if err != nil {
		zlog.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgPool.Close()

	if err := postgres.RunMigrations(pgPool, zlog); err != nil {
		zlog.Fatal("failed to run migrations", zap.Error(err))
	}

	blobs, err := backend.Open(startCtx, cfg, zlog)
	if err != nil {
		zlog.Fatal("failed to open blob storage", zap.Error(err))
	}

	zlog.Info("connecting to RabbitMQ")
	rabbitClient, err := rabbitmq.NewClient(startCtx, cfg.RabbitMQURL, zlog)
	if err != nil {
		zlog.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	defer rabbitClient.Close()

	auth, err := security.NewAuthenticator(cfg.JWKSURL(), cfg.KeycloakClient, zlog)
	if err != nil {
		zlog.Fatal("failed to initialize authentication", zap.Error(err))
	}
	defer auth.Close()

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	store := pgstore.NewStore(pgPool)
	counts := cache.NewCountCache(store, zlog, collector)
	limits := ingest.Limits{
		MaxArchiveBytes: cfg.MaxArchiveBytes,
		MaxEntries:      cfg.MaxArchiveEntries,
		MaxEntryBytes:   cfg.MaxEntryBytes,
		Concurrency:     cfg.IngestConcurrency,
	}

	h := handler.NewHandler(
		catalog.NewService(store, store, counts, blobs, zlog),
		ingest.NewPipeline(store, blobs, counts, limits, zlog, collector),
		training.NewOrchestrator(store, store, blobs, rabbitClient, zlog, collector),
		store, blobs, cfg.MaxArchiveBytes, zlog,
	)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), handler.RequestLogger(zlog))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		hctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pgPool.Ping(hctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		if !rabbitClient.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "rabbitmq connection closed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.Use(auth.Middleware())
	h.Register(api)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		zlog.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("HTTP server shutdown failed", zap.Error(err))
	}
}
