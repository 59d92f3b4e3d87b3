// Package backend selects the blob store named by configuration.
package backend

import (
	"context"
	"fmt"

	"image-classifier/internal/config"
	"image-classifier/internal/storage"
	"image-classifier/internal/storage/local"
	minioclient "image-classifier/internal/storage/minio"

	"go.uber.org/zap"
)

func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.BlobStore, error) {
	switch cfg.StorageBackend {
	case "minio":
		client, err := minioclient.NewClient(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey,
			cfg.MinioBucket, cfg.MinioUseSSL, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "local":
		logger.Info("using local blob storage", zap.String("media_root", cfg.MediaRoot))
		store, err := local.New(cfg.MediaRoot)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
