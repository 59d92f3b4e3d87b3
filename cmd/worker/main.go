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

	"image-classifier/internal/config"
	"image-classifier/internal/metrics"
	"image-classifier/internal/queue/rabbitmq"
	pgstore "image-classifier/internal/repository/postgres"
	"image-classifier/internal/storage/backend"
	"image-classifier/internal/training"
	"image-classifier/internal/worker"
	"image-classifier/pkg/database/postgres"
	redisclient "image-classifier/pkg/database/redis"
	"image-classifier/pkg/logger"

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
	zlog.Info("starting training worker", zap.Int("pool_size", cfg.WorkerPoolSize))

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

	zlog.Info("connecting to Redis")
	redisClient, err := redisclient.NewClient(cfg.RedisURL)
	if err != nil {
		zlog.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	store := pgstore.NewStore(pgPool)

	retry := training.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.TrainingMaxAttempts
	retry.Base = cfg.TrainingRetryBase
	runner := training.NewRunner(store, store, blobs, rabbitClient, redisClient, training.RunnerConfig{
		Retry:    retry,
		LeaseTTL: cfg.TrainingLeaseTTL,
		Seed:     cfg.TrainingSeed,
	}, zlog, collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		hctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := redisClient.Ping(hctx); err != nil || !rabbitClient.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		zlog.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("metrics server failed", zap.Error(err))
		}
	}()

	msgs, err := rabbitClient.Consume(cfg.WorkerPoolSize)
	if err != nil {
		zlog.Fatal("failed to start consuming", zap.Error(err))
	}

	zlog.Info("worker service is running")
	worker.NewPool(runner, cfg.WorkerPoolSize, zlog).Run(ctx, msgs)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("metrics server shutdown failed", zap.Error(err))
	}
	zlog.Info("worker service stopped")
}
