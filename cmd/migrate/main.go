package main

import (
	"context"
	"log"
	"time"

	"image-classifier/internal/config"
	"image-classifier/pkg/database/postgres"
	"image-classifier/pkg/logger"

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	zlog.Info("connecting to PostgreSQL")
	pool, err := postgres.NewClient(ctx, cfg.PostgresURL)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.RunMigrations(pool, zlog); err != nil {
		zlog.Fatal("failed to run migrations", zap.Error(err))
	}
	zlog.Info("migration runner finished successfully")
}
