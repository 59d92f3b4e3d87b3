package models

import (
	"time"

	"github.com/google/uuid"
)

type Dataset struct {
	ID          uuid.UUID `json:"id" db:"id"`
	OwnerID     string    `json:"owner_id" db:"owner_id"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description" db:"description"`
	IsPublic    bool      `json:"is_public" db:"is_public"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`

	CachedImageCount    *int       `json:"-" db:"cached_image_count"`
	CachedCategoryCount *int       `json:"-" db:"cached_category_count"`
	CacheUpdatedAt      *time.Time `json:"-" db:"cache_updated_at"`
}

// CacheValid reports whether the denormalized counters can be served as-is.
func (d *Dataset) CacheValid() bool {
	return d.CachedImageCount != nil && d.CachedCategoryCount != nil && d.CacheUpdatedAt != nil
}

// ListQuery selects a page of an owner's datasets or classifiers. Search
// matches name and description.
type ListQuery struct {
	Search    string
	SortBy    string
	SortOrder string // asc, desc
	Skip      int
	Limit     int
}

type DatasetCounts struct {
	ImageCount    int `json:"image_count"`
	CategoryCount int `json:"category_count"`
}

type CategoryDetail struct {
	Name       string `json:"name"`
	ImageCount int    `json:"image_count"`
}

type LabelDetails struct {
	DatasetID       uuid.UUID        `json:"dataset_id"`
	Categories      []CategoryDetail `json:"categories"`
	Count           int              `json:"count"`
	LabeledImages   int              `json:"labeled_images"`
	UnlabeledImages int              `json:"unlabeled_images"`
}
