// Package training owns the classifier lifecycle: validating and creating
// classifiers, dispatching training tasks, running them on the worker side and
// persisting their outcome.
package training

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"image-classifier/internal/metrics"
	"image-classifier/internal/models"
	"image-classifier/internal/repository"
	"image-classifier/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskQueue carries training tasks to the workers.
type TaskQueue interface {
	Enqueue(ctx context.Context, task models.TrainingTask) error
	// EnqueueAfter delivers the task once delay has passed.
	EnqueueAfter(ctx context.Context, task models.TrainingTask, delay time.Duration) error
}

type CreateRequest struct {
	OwnerID      string
	DatasetName  string
	Name         string
	Description  *string
	Architecture string
	Parameters   map[string]any
}

// UpdateRequest changes a classifier's name or description. Nil fields are
// left as they are.
type UpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type Orchestrator struct {
	datasets    repository.DatasetRepository
	classifiers repository.ClassifierRepository
	blobs       storage.BlobStore
	queue       TaskQueue
	logger      *zap.Logger
	metrics     *metrics.Collector
	now         func() time.Time
}

func NewOrchestrator(datasets repository.DatasetRepository, classifiers repository.ClassifierRepository,
	blobs storage.BlobStore, queue TaskQueue, logger *zap.Logger, m *metrics.Collector) *Orchestrator {
	return &Orchestrator{
		datasets:    datasets,
		classifiers: classifiers,
		blobs:       blobs,
		queue:       queue,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// CreateClassifier validates the request, stores the classifier in training
// and dispatches its task. A failed dispatch is logged and the created row is
// still returned; Retry re-dispatches it.
func (o *Orchestrator) CreateClassifier(ctx context.Context, req CreateRequest) (*models.Classifier, error) {
	arch, err := ParseArchitecture(req.Architecture)
	if err != nil {
		return nil, err
	}
	dataset, err := o.datasets.GetDatasetByOwnerAndName(ctx, req.OwnerID, req.DatasetName)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, req.DatasetName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	_, err = o.classifiers.GetClassifierByOwnerAndName(ctx, req.OwnerID, req.Name)
	if err == nil {
		return nil, ErrNameTaken
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to check classifier name: %w", err)
	}
	params, err := MergeParameters(arch, req.Parameters)
	if err != nil {
		return nil, err
	}

	datasetID := dataset.ID
	c := &models.Classifier{
		ID:              uuid.New(),
		OwnerID:         req.OwnerID,
		DatasetID:       &datasetID,
		Name:            req.Name,
		Description:     req.Description,
		Architecture:    string(arch),
		Status:          models.ClassifierStatusTraining,
		ModelParameters: params,
		Metrics:         map[string]any{},
		CreatedAt:       o.now().UTC(),
	}
	if err := o.classifiers.CreateClassifier(ctx, c); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrNameTaken
		}
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	logger := o.logger.With(zap.String("classifier_id", c.ID.String()))
	if err := o.queue.Enqueue(ctx, models.TrainingTask{ClassifierID: c.ID, Attempt: 1}); err != nil {
		o.metrics.EnqueueError()
		logger.Error("failed to enqueue training task, classifier stays in training until retried", zap.Error(err))
	} else {
		logger.Info("training task enqueued", zap.String("architecture", c.Architecture))
	}
	return c, nil
}

// List returns one page of the owner's classifiers and the total matching the
// query.
func (o *Orchestrator) List(ctx context.Context, ownerID string, q models.ListQuery) ([]models.Classifier, int, error) {
	list, total, err := o.classifiers.ListClassifiers(ctx, ownerID, q)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list classifiers: %w", err)
	}
	return list, total, nil
}

// Detail adds the dataset name to c.
func (o *Orchestrator) Detail(ctx context.Context, c *models.Classifier) (*models.ClassifierDetail, error) {
	detail := &models.ClassifierDetail{Classifier: *c}
	if c.DatasetID == nil {
		return detail, nil
	}
	d, err := o.datasets.GetDataset(ctx, *c.DatasetID)
	if errors.Is(err, repository.ErrNotFound) {
		return detail, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	detail.DatasetName = &d.Name
	return detail, nil
}

// Update renames c or changes its description. The name stays unique per
// owner; the training state is untouched.
func (o *Orchestrator) Update(ctx context.Context, c *models.Classifier, req UpdateRequest) (*models.Classifier, error) {
	updated := *c
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, ErrInvalidName
		}
		updated.Name = name
	}
	if req.Description != nil {
		updated.Description = req.Description
	}

	if err := o.classifiers.UpdateClassifier(ctx, &updated); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrNameTaken
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrClassifierNotFound
		}
		return nil, fmt.Errorf("failed to update classifier: %w", err)
	}
	return o.classifiers.GetClassifier(ctx, c.ID)
}

// Retry moves a failed classifier back to training and dispatches a fresh
// task. With force it also re-dispatches a classifier stuck in training.
func (o *Orchestrator) Retry(ctx context.Context, id uuid.UUID, force bool) (*models.Classifier, error) {
	changed, err := o.classifiers.ResetForRetry(ctx, id, force)
	if err != nil {
		return nil, fmt.Errorf("failed to reset classifier: %w", err)
	}
	if !changed {
		c, err := o.classifiers.GetClassifier(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrClassifierNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load classifier: %w", err)
		}
		if c.Status == models.ClassifierStatusTraining {
			return nil, ErrAlreadyTraining
		}
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, c.Status)
	}

	if err := o.queue.Enqueue(ctx, models.TrainingTask{ClassifierID: id, Attempt: 1}); err != nil {
		o.metrics.EnqueueError()
		return nil, fmt.Errorf("failed to enqueue training task: %w", err)
	}
	o.logger.Info("training task re-enqueued", zap.String("classifier_id", id.String()), zap.Bool("force", force))
	return o.classifiers.GetClassifier(ctx, id)
}

// Delete removes the classifier row and then its artifact directory.
func (o *Orchestrator) Delete(ctx context.Context, id uuid.UUID) error {
	if err := o.classifiers.DeleteClassifier(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrClassifierNotFound
		}
		return fmt.Errorf("failed to delete classifier: %w", err)
	}
	if err := o.blobs.DeletePrefix(ctx, storage.ModelDir(id.String())); err != nil {
		o.logger.Warn("failed to remove model artifacts", zap.String("classifier_id", id.String()), zap.Error(err))
	}
	return nil
}
