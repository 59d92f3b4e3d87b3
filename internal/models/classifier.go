package models

import (
	"time"

	"github.com/google/uuid"
)

type ClassifierStatus string

const (
	ClassifierStatusNotTrained ClassifierStatus = "not_trained"
	ClassifierStatusTraining   ClassifierStatus = "training"
	ClassifierStatusTrained    ClassifierStatus = "trained"
	ClassifierStatusFailed     ClassifierStatus = "failed"
)

// Terminal reports whether no further automatic transition can happen.
func (s ClassifierStatus) Terminal() bool {
	return s == ClassifierStatusTrained || s == ClassifierStatusFailed
}

type Classifier struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	OwnerID         string           `json:"owner_id" db:"owner_id"`
	DatasetID       *uuid.UUID       `json:"dataset_id" db:"dataset_id"`
	Name            string           `json:"name" db:"name"`
	Description     *string          `json:"description" db:"description"`
	Architecture    string           `json:"architecture" db:"architecture"`
	Status          ClassifierStatus `json:"status" db:"status"`
	ModelParameters map[string]any   `json:"model_parameters" db:"model_parameters"`
	Metrics         map[string]any   `json:"metrics" db:"metrics"`
	ArtifactPath    *string          `json:"file_path" db:"artifact_path"`
	TrainedAt       *time.Time       `json:"trained_at" db:"trained_at"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// ClassifierDetail is a classifier with the name of its dataset, nil once the
// dataset was deleted.
type ClassifierDetail struct {
	Classifier
	DatasetName *string `json:"dataset_name"`
}

// TrainingTask is the queued unit of work for one classifier.
type TrainingTask struct {
	ClassifierID uuid.UUID `json:"classifier_id"`
	Attempt      int       `json:"attempt"`
}
