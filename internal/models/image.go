package models

import (
	"time"

	"github.com/google/uuid"
)

type Image struct {
	ID        uuid.UUID `json:"id" db:"id"`
	DatasetID uuid.UUID `json:"dataset_id" db:"dataset_id"`
	Name      string    `json:"name" db:"name"`
	FilePath  string    `json:"file_path" db:"file_path"`
	Label     *string   `json:"label" db:"label"`
	Thumbnail []byte    `json:"thumbnail" db:"thumbnail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ImageQuery selects a page of a dataset's images.
type ImageQuery struct {
	Search    string
	SortBy    string // name, label, created_at
	SortOrder string // asc, desc
	Skip      int
	Limit     int
}

// IngestReport summarizes one archive import.
type IngestReport struct {
	ProcessedImages       int      `json:"processed_images"`
	DuplicateImages       int      `json:"duplicate_images"`
	InvalidImages         int      `json:"invalid_images"`
	LabelsApplied         int      `json:"labels_applied"`
	LabelsSkipped         int      `json:"labels_skipped"`
	DuplicateImageDetails []string `json:"duplicate_image_details"`
	InvalidImageDetails   []string `json:"invalid_image_details"`
	SkippedLabelDetails   []string `json:"skipped_label_details"`
}

// LabelingReport summarizes a bulk relabel of existing images.
type LabelingReport struct {
	LabeledCount    int      `json:"labeled_count"`
	NotFoundCount   int      `json:"not_found_count"`
	NotFoundDetails []string `json:"not_found_details"`
}
