// Package repository defines the relational store contracts shared by the API
// and the training worker.
package repository

import (
	"context"
	"errors"
	"time"

	"image-classifier/internal/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("record already exists")
)

type DatasetRepository interface {
	CreateDataset(ctx context.Context, d *models.Dataset) error
	GetDataset(ctx context.Context, id uuid.UUID) (*models.Dataset, error)
	GetDatasetByOwnerAndName(ctx context.Context, ownerID, name string) (*models.Dataset, error)
	// ListDatasets returns one page of the owner's datasets and the total
	// number matching the search.
	ListDatasets(ctx context.Context, ownerID string, q models.ListQuery) ([]models.Dataset, int, error)
	UpdateDataset(ctx context.Context, d *models.Dataset) error
	// DeleteDataset removes the dataset and its images. Classifiers keep their
	// row with a null dataset reference.
	DeleteDataset(ctx context.Context, id uuid.UUID) error
	LabelDetails(ctx context.Context, id uuid.UUID) (*models.LabelDetails, error)
}

// CountStore backs the denormalized dataset counters.
type CountStore interface {
	// CachedCounts returns nil when the cache triple is null or the dataset is gone.
	CachedCounts(ctx context.Context, datasetID uuid.UUID) (*models.DatasetCounts, error)
	// RecomputeCounts recounts the dataset's images and distinct labels and, when
	// the dataset still exists, stores the result with the current time. A
	// concurrent InvalidateCounts is never overwritten by a stale count.
	RecomputeCounts(ctx context.Context, datasetID uuid.UUID) (models.DatasetCounts, error)
	// InvalidateCounts nulls the cache triple. Missing datasets are not an error.
	InvalidateCounts(ctx context.Context, datasetID uuid.UUID) error
}

type ImageRepository interface {
	CreateImage(ctx context.Context, img *models.Image) error
	GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error)
	GetImageByName(ctx context.Context, datasetID uuid.UUID, name string) (*models.Image, error)
	ListImages(ctx context.Context, datasetID uuid.UUID, q models.ImageQuery) ([]models.Image, int, error)
	ListAllImages(ctx context.Context, datasetID uuid.UUID) ([]models.Image, error)
	UpdateImage(ctx context.Context, img *models.Image) error
	DeleteImage(ctx context.Context, id uuid.UUID) error
}

// ClassifierRepository owns classifier rows. The Mark* transitions only apply
// to rows currently in training and report whether the row changed, so a
// repeated write is a no-op rather than an error.
type ClassifierRepository interface {
	CreateClassifier(ctx context.Context, c *models.Classifier) error
	GetClassifier(ctx context.Context, id uuid.UUID) (*models.Classifier, error)
	GetClassifierByOwnerAndName(ctx context.Context, ownerID, name string) (*models.Classifier, error)
	ListClassifiers(ctx context.Context, ownerID string, q models.ListQuery) ([]models.Classifier, int, error)
	// UpdateClassifier writes the name and description.
	UpdateClassifier(ctx context.Context, c *models.Classifier) error
	MarkTrained(ctx context.Context, id uuid.UUID, metrics map[string]any, artifactPath string, trainedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, message string) (bool, error)
	// RecordAttemptError keeps the row in training and stores the error of a
	// retried attempt in its parameter map.
	RecordAttemptError(ctx context.Context, id uuid.UUID, message string, attempt int) error
	// ResetForRetry moves a failed row (or a training row when force is set)
	// back to training.
	ResetForRetry(ctx context.Context, id uuid.UUID, force bool) (bool, error)
	DeleteClassifier(ctx context.Context, id uuid.UUID) error
}

type Store interface {
	DatasetRepository
	CountStore
	ImageRepository
	ClassifierRepository
}

// Parameter map keys written by the training lifecycle.
const (
	ParamError     = "error"
	ParamLastError = "last_error"
	ParamAttempt   = "attempt"
)
