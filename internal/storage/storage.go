// Package storage defines the blob store used for image files and model
// artifacts. Paths are slash-separated and relative to the store root, for
// example images/<uuid>.jpg or models/<classifier_id>/model.json.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("blob not found")

type BlobStore interface {
	Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete removes one blob. A missing blob is not an error.
	Delete(ctx context.Context, path string) error
	// DeletePrefix removes every blob under prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Linker is implemented by stores that can hand out time-limited URLs.
type Linker interface {
	Link(ctx context.Context, path string, expires time.Duration) (string, error)
}

// ImagePath is where an ingested image's JPEG rendition lives.
func ImagePath(id string) string {
	return "images/" + id + ".jpg"
}

// ModelDir is the artifact directory of one classifier, with a trailing slash.
func ModelDir(classifierID string) string {
	return "models/" + classifierID + "/"
}
