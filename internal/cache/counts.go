// Package cache serves the per-dataset image and category counters kept on
// the dataset row.
package cache

import (
	"context"

	"image-classifier/internal/metrics"
	"image-classifier/internal/models"
	"image-classifier/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Invalidator is what writers of the image set depend on.
type Invalidator interface {
	Invalidate(ctx context.Context, datasetID uuid.UUID)
}

type CountCache struct {
	store   repository.CountStore
	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewCountCache(store repository.CountStore, logger *zap.Logger, m *metrics.Collector) *CountCache {
	return &CountCache{store: store, logger: logger, metrics: m}
}

// GetCounts returns the cached counters, recounting on a miss. Read errors on
// the cache triple fall through to a recount; only a failed recount is
// returned, since then the store itself is unreadable.
func (c *CountCache) GetCounts(ctx context.Context, datasetID uuid.UUID) (models.DatasetCounts, error) {
	cached, err := c.store.CachedCounts(ctx, datasetID)
	if err != nil {
		c.metrics.CacheError()
		c.logger.Warn("failed to read cached counts",
			zap.String("dataset_id", datasetID.String()), zap.Error(err))
	}
	if cached != nil {
		return *cached, nil
	}

	c.metrics.CacheRecompute()
	return c.store.RecomputeCounts(ctx, datasetID)
}

// Invalidate nulls the cache triple. Errors are logged and dropped.
func (c *CountCache) Invalidate(ctx context.Context, datasetID uuid.UUID) {
	if err := c.store.InvalidateCounts(ctx, datasetID); err != nil {
		c.metrics.CacheError()
		c.logger.Error("failed to invalidate dataset counts",
			zap.String("dataset_id", datasetID.String()), zap.Error(err))
	}
}
