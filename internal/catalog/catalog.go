// Package catalog manages datasets and the images inside them on behalf of
// their owners. Bulk ingestion lives in the ingest package; this package
// covers the per-record operations around it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"image-classifier/internal/models"
	"image-classifier/internal/repository"
	"image-classifier/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrImageNotFound   = errors.New("image not found")
	ErrForbidden       = errors.New("not the owner of this dataset")
	ErrNameTaken       = errors.New("name already in use")
	ErrInvalidName     = errors.New("name must not be empty")
)

// Counter reads and invalidates the dataset counters.
type Counter interface {
	GetCounts(ctx context.Context, datasetID uuid.UUID) (models.DatasetCounts, error)
	Invalidate(ctx context.Context, datasetID uuid.UUID)
}

// DatasetView is a dataset together with its current counters.
type DatasetView struct {
	models.Dataset
	models.DatasetCounts
}

type DatasetUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsPublic    *bool   `json:"is_public"`
}

// ImageUpdate renames or relabels an image. An empty Label clears it.
type ImageUpdate struct {
	Name  *string `json:"name"`
	Label *string `json:"label"`
}

type Service struct {
	datasets repository.DatasetRepository
	images   repository.ImageRepository
	counts   Counter
	blobs    storage.BlobStore
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(datasets repository.DatasetRepository, images repository.ImageRepository, counts Counter,
	blobs storage.BlobStore, logger *zap.Logger) *Service {
	return &Service{
		datasets: datasets,
		images:   images,
		counts:   counts,
		blobs:    blobs,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) CreateDataset(ctx context.Context, ownerID, name string, description *string, isPublic bool) (*models.Dataset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	d := &models.Dataset{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Name:        name,
		Description: description,
		IsPublic:    isPublic,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.datasets.CreateDataset(ctx, d); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("failed to create dataset: %w", err)
	}
	s.logger.Info("dataset created", zap.String("dataset_id", d.ID.String()), zap.String("owner_id", ownerID))
	return d, nil
}

// Dataset loads a dataset the caller may read: their own or a public one.
func (s *Service) Dataset(ctx context.Context, ownerID string, id uuid.UUID) (*models.Dataset, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != ownerID && !d.IsPublic {
		return nil, ErrForbidden
	}
	return d, nil
}

// OwnedDataset loads a dataset the caller may modify.
func (s *Service) OwnedDataset(ctx context.Context, ownerID string, id uuid.UUID) (*models.Dataset, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return d, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*models.Dataset, error) {
	d, err := s.datasets.GetDataset(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDatasetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	return d, nil
}

func (s *Service) GetDataset(ctx context.Context, ownerID string, id uuid.UUID) (*DatasetView, error) {
	d, err := s.Dataset(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.counts.GetCounts(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count dataset images: %w", err)
	}
	return &DatasetView{Dataset: *d, DatasetCounts: counts}, nil
}

// ListDatasets returns one page of the owner's datasets with their counts and
// the total number matching the query.
func (s *Service) ListDatasets(ctx context.Context, ownerID string, q models.ListQuery) ([]DatasetView, int, error) {
	list, total, err := s.datasets.ListDatasets(ctx, ownerID, q)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list datasets: %w", err)
	}
	views := make([]DatasetView, 0, len(list))
	for _, d := range list {
		counts, err := s.counts.GetCounts(ctx, d.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to count dataset images: %w", err)
		}
		views = append(views, DatasetView{Dataset: d, DatasetCounts: counts})
	}
	return views, total, nil
}

// Counts is the count read entrypoint.
func (s *Service) Counts(ctx context.Context, ownerID string, id uuid.UUID) (models.DatasetCounts, error) {
	d, err := s.Dataset(ctx, ownerID, id)
	if err != nil {
		return models.DatasetCounts{}, err
	}
	return s.counts.GetCounts(ctx, d.ID)
}

func (s *Service) UpdateDataset(ctx context.Context, ownerID string, id uuid.UUID, upd DatasetUpdate) (*models.Dataset, error) {
	d, err := s.OwnedDataset(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, ErrInvalidName
		}
		d.Name = name
	}
	if upd.Description != nil {
		d.Description = upd.Description
	}
	if upd.IsPublic != nil {
		d.IsPublic = *upd.IsPublic
	}
	if err := s.datasets.UpdateDataset(ctx, d); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrNameTaken
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrDatasetNotFound
		}
		return nil, fmt.Errorf("failed to update dataset: %w", err)
	}
	return d, nil
}

// DeleteDataset removes the dataset with its images and then their blobs.
// Classifiers trained on it keep their rows.
func (s *Service) DeleteDataset(ctx context.Context, ownerID string, id uuid.UUID) error {
	d, err := s.OwnedDataset(ctx, ownerID, id)
	if err != nil {
		return err
	}
	images, err := s.images.ListAllImages(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("failed to list dataset images: %w", err)
	}
	if err := s.datasets.DeleteDataset(ctx, d.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrDatasetNotFound
		}
		return fmt.Errorf("failed to delete dataset: %w", err)
	}

	logger := s.logger.With(zap.String("dataset_id", d.ID.String()))
	failed := 0
	for _, img := range images {
		if err := s.blobs.Delete(ctx, img.FilePath); err != nil {
			failed++
			logger.Warn("failed to delete image blob", zap.String("path", img.FilePath), zap.Error(err))
		}
	}
	logger.Info("dataset deleted", zap.Int("images", len(images)), zap.Int("orphaned_blobs", failed))
	return nil
}

func (s *Service) LabelDetails(ctx context.Context, ownerID string, id uuid.UUID) (*models.LabelDetails, error) {
	d, err := s.Dataset(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	details, err := s.datasets.LabelDetails(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load label details: %w", err)
	}
	return details, nil
}

func (s *Service) ListImages(ctx context.Context, ownerID string, datasetID uuid.UUID, q models.ImageQuery) ([]models.Image, int, error) {
	d, err := s.Dataset(ctx, ownerID, datasetID)
	if err != nil {
		return nil, 0, err
	}
	images, total, err := s.images.ListImages(ctx, d.ID, q)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list images: %w", err)
	}
	return images, total, nil
}

// GetImage returns the image when its dataset is readable by the caller.
func (s *Service) GetImage(ctx context.Context, ownerID string, id uuid.UUID) (*models.Image, error) {
	img, err := s.loadImage(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.Dataset(ctx, ownerID, img.DatasetID); err != nil {
		return nil, err
	}
	return img, nil
}

func (s *Service) ownedImage(ctx context.Context, ownerID string, id uuid.UUID) (*models.Image, error) {
	img, err := s.loadImage(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.OwnedDataset(ctx, ownerID, img.DatasetID); err != nil {
		return nil, err
	}
	return img, nil
}

func (s *Service) loadImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	img, err := s.images.GetImage(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	return img, nil
}

// UpdateImage renames or relabels an image. Counts are invalidated only when
// the label actually changes.
func (s *Service) UpdateImage(ctx context.Context, ownerID string, id uuid.UUID, upd ImageUpdate) (*models.Image, error) {
	img, err := s.ownedImage(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, ErrInvalidName
		}
		img.Name = name
	}
	labelChanged := false
	if upd.Label != nil {
		var next *string
		if label := strings.TrimSpace(*upd.Label); label != "" {
			next = &label
		}
		labelChanged = !sameLabel(img.Label, next)
		img.Label = next
	}

	if err := s.images.UpdateImage(ctx, img); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrNameTaken
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("failed to update image: %w", err)
	}
	if labelChanged {
		s.counts.Invalidate(context.WithoutCancel(ctx), img.DatasetID)
	}
	return img, nil
}

// DeleteImage removes the row, then the blob, then invalidates the counters.
func (s *Service) DeleteImage(ctx context.Context, ownerID string, id uuid.UUID) error {
	img, err := s.ownedImage(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.images.DeleteImage(ctx, img.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrImageNotFound
		}
		return fmt.Errorf("failed to delete image: %w", err)
	}
	if err := s.blobs.Delete(ctx, img.FilePath); err != nil {
		s.logger.Warn("failed to delete image blob", zap.String("image_id", img.ID.String()), zap.Error(err))
	}
	s.counts.Invalidate(context.WithoutCancel(ctx), img.DatasetID)
	return nil
}

func sameLabel(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
