// Package memstore is an in-memory repository.Store used by tests and local
// tooling. It mirrors the constraint and cascade behavior of the PostgreSQL
// schema.
package memstore

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"image-classifier/internal/models"
	"image-classifier/internal/repository"

	"github.com/google/uuid"
)

type Store struct {
	mu          sync.RWMutex
	datasets    map[uuid.UUID]*models.Dataset
	images      map[uuid.UUID]*models.Image
	classifiers map[uuid.UUID]*models.Classifier

	// Now is used for cache_updated_at.
	Now func() time.Time
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		datasets:    make(map[uuid.UUID]*models.Dataset),
		images:      make(map[uuid.UUID]*models.Image),
		classifiers: make(map[uuid.UUID]*models.Classifier),
		Now:         time.Now,
	}
}

func copyDataset(d *models.Dataset) *models.Dataset {
	out := *d
	return &out
}

func copyImage(img *models.Image) *models.Image {
	out := *img
	out.Thumbnail = slices.Clone(img.Thumbnail)
	return &out
}

func copyClassifier(c *models.Classifier) *models.Classifier {
	out := *c
	out.ModelParameters = maps.Clone(c.ModelParameters)
	out.Metrics = maps.Clone(c.Metrics)
	return &out
}

// --- datasets ---

func (s *Store) CreateDataset(_ context.Context, d *models.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.datasets {
		if existing.OwnerID == d.OwnerID && existing.Name == d.Name {
			return repository.ErrConflict
		}
	}
	s.datasets[d.ID] = copyDataset(d)
	return nil
}

func (s *Store) GetDataset(_ context.Context, id uuid.UUID) (*models.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyDataset(d), nil
}

func (s *Store) GetDatasetByOwnerAndName(_ context.Context, ownerID, name string) (*models.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.datasets {
		if d.OwnerID == ownerID && d.Name == name {
			return copyDataset(d), nil
		}
	}
	return nil, repository.ErrNotFound
}

// matchesSearch mirrors the SQL ILIKE filter on name and description.
func matchesSearch(search, name string, description *string) bool {
	needle := strings.ToLower(search)
	return needle == "" ||
		strings.Contains(strings.ToLower(name), needle) ||
		(description != nil && strings.Contains(strings.ToLower(*description), needle))
}

func directed(c int, sortOrder string) int {
	if sortOrder == "asc" {
		return c
	}
	return -c
}

func page[T any](items []T, skip, limit int) []T {
	if limit <= 0 {
		limit = 100
	}
	start := min(max(skip, 0), len(items))
	end := min(start+limit, len(items))
	return items[start:end]
}

func (s *Store) ListDatasets(_ context.Context, ownerID string, q models.ListQuery) ([]models.Dataset, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	imageCount := make(map[uuid.UUID]int)
	labels := make(map[uuid.UUID]map[string]struct{})
	for _, img := range s.images {
		imageCount[img.DatasetID]++
		if img.Label != nil {
			if labels[img.DatasetID] == nil {
				labels[img.DatasetID] = make(map[string]struct{})
			}
			labels[img.DatasetID][*img.Label] = struct{}{}
		}
	}

	var out []models.Dataset
	for _, d := range s.datasets {
		if d.OwnerID == ownerID && matchesSearch(q.Search, d.Name, d.Description) {
			out = append(out, *d)
		}
	}
	slices.SortFunc(out, func(a, b models.Dataset) int {
		var c int
		switch q.SortBy {
		case "name":
			c = directed(strings.Compare(a.Name, b.Name), q.SortOrder)
		case "image_count":
			c = directed(imageCount[a.ID]-imageCount[b.ID], q.SortOrder)
		case "category_count":
			c = directed(len(labels[a.ID])-len(labels[b.ID]), q.SortOrder)
		case "is_public":
			c = directed(boolRank(a.IsPublic)-boolRank(b.IsPublic), q.SortOrder)
		default:
			c = directed(a.CreatedAt.Compare(b.CreatedAt), q.SortOrder)
		}
		// Ties on a count or flag fall back to newest first.
		if c == 0 && q.SortBy != "name" {
			c = b.CreatedAt.Compare(a.CreatedAt)
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return page(out, q.Skip, q.Limit), len(out), nil
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) UpdateDataset(_ context.Context, d *models.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.datasets[d.ID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, other := range s.datasets {
		if other.ID != d.ID && other.OwnerID == existing.OwnerID && other.Name == d.Name {
			return repository.ErrConflict
		}
	}
	existing.Name = d.Name
	existing.Description = d.Description
	existing.IsPublic = d.IsPublic
	return nil
}

func (s *Store) DeleteDataset(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datasets[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.datasets, id)
	for imgID, img := range s.images {
		if img.DatasetID == id {
			delete(s.images, imgID)
		}
	}
	for _, c := range s.classifiers {
		if c.DatasetID != nil && *c.DatasetID == id {
			c.DatasetID = nil
		}
	}
	return nil
}

func (s *Store) LabelDetails(_ context.Context, id uuid.UUID) (*models.LabelDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perLabel := make(map[string]int)
	details := &models.LabelDetails{DatasetID: id, Categories: []models.CategoryDetail{}}
	for _, img := range s.images {
		if img.DatasetID != id {
			continue
		}
		if img.Label == nil {
			details.UnlabeledImages++
			continue
		}
		perLabel[*img.Label]++
		details.LabeledImages++
	}
	for _, name := range slices.Sorted(maps.Keys(perLabel)) {
		details.Categories = append(details.Categories, models.CategoryDetail{Name: name, ImageCount: perLabel[name]})
	}
	details.Count = len(details.Categories)
	return details, nil
}

// --- count cache ---

func (s *Store) CachedCounts(_ context.Context, datasetID uuid.UUID) (*models.DatasetCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[datasetID]
	if !ok || !d.CacheValid() {
		return nil, nil
	}
	return &models.DatasetCounts{ImageCount: *d.CachedImageCount, CategoryCount: *d.CachedCategoryCount}, nil
}

func (s *Store) RecomputeCounts(_ context.Context, datasetID uuid.UUID) (models.DatasetCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels := make(map[string]struct{})
	var counts models.DatasetCounts
	for _, img := range s.images {
		if img.DatasetID != datasetID {
			continue
		}
		counts.ImageCount++
		if img.Label != nil {
			labels[*img.Label] = struct{}{}
		}
	}
	counts.CategoryCount = len(labels)
	if d, ok := s.datasets[datasetID]; ok {
		imageCount, categoryCount, now := counts.ImageCount, counts.CategoryCount, s.Now()
		d.CachedImageCount = &imageCount
		d.CachedCategoryCount = &categoryCount
		d.CacheUpdatedAt = &now
	}
	return counts, nil
}

func (s *Store) InvalidateCounts(_ context.Context, datasetID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.datasets[datasetID]; ok {
		d.CachedImageCount = nil
		d.CachedCategoryCount = nil
		d.CacheUpdatedAt = nil
	}
	return nil
}

// --- images ---

func (s *Store) CreateImage(_ context.Context, img *models.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datasets[img.DatasetID]; !ok {
		return repository.ErrNotFound
	}
	for _, existing := range s.images {
		if existing.DatasetID == img.DatasetID && existing.Name == img.Name {
			return repository.ErrConflict
		}
	}
	s.images[img.ID] = copyImage(img)
	return nil
}

func (s *Store) GetImage(_ context.Context, id uuid.UUID) (*models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyImage(img), nil
}

func (s *Store) GetImageByName(_ context.Context, datasetID uuid.UUID, name string) (*models.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, img := range s.images {
		if img.DatasetID == datasetID && img.Name == name {
			return copyImage(img), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) datasetImages(datasetID uuid.UUID) []models.Image {
	var out []models.Image
	for _, img := range s.images {
		if img.DatasetID == datasetID {
			out = append(out, *copyImage(img))
		}
	}
	return out
}

func imageLess(sortBy string, desc bool) func(a, b models.Image) int {
	dir := func(c int) int {
		if desc {
			return -c
		}
		return c
	}
	return func(a, b models.Image) int {
		var c int
		switch sortBy {
		case "name":
			c = dir(strings.Compare(a.Name, b.Name))
		case "label":
			switch {
			case a.Label == nil && b.Label == nil:
			case a.Label == nil:
				return 1
			case b.Label == nil:
				return -1
			default:
				c = dir(strings.Compare(*a.Label, *b.Label))
			}
			if c == 0 {
				c = dir(a.CreatedAt.Compare(b.CreatedAt))
			}
		default:
			c = dir(a.CreatedAt.Compare(b.CreatedAt))
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	}
}

func (s *Store) ListImages(_ context.Context, datasetID uuid.UUID, q models.ImageQuery) ([]models.Image, int, error) {
	s.mu.RLock()
	all := s.datasetImages(datasetID)
	s.mu.RUnlock()

	needle := strings.ToLower(q.Search)
	matched := all[:0]
	for _, img := range all {
		if needle == "" ||
			strings.Contains(strings.ToLower(img.Name), needle) ||
			(img.Label != nil && strings.Contains(strings.ToLower(*img.Label), needle)) {
			matched = append(matched, img)
		}
	}
	slices.SortFunc(matched, imageLess(q.SortBy, q.SortOrder != "asc"))

	return page(matched, q.Skip, q.Limit), len(matched), nil
}

func (s *Store) ListAllImages(_ context.Context, datasetID uuid.UUID) ([]models.Image, error) {
	s.mu.RLock()
	all := s.datasetImages(datasetID)
	s.mu.RUnlock()
	slices.SortFunc(all, imageLess("created_at", false))
	return all, nil
}

func (s *Store) UpdateImage(_ context.Context, img *models.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.images[img.ID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, other := range s.images {
		if other.ID != img.ID && other.DatasetID == existing.DatasetID && other.Name == img.Name {
			return repository.ErrConflict
		}
	}
	existing.Name = img.Name
	existing.Label = img.Label
	return nil
}

func (s *Store) DeleteImage(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.images, id)
	return nil
}

// --- classifiers ---

func (s *Store) CreateClassifier(_ context.Context, c *models.Classifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.classifiers {
		if existing.OwnerID == c.OwnerID && existing.Name == c.Name {
			return repository.ErrConflict
		}
	}
	s.classifiers[c.ID] = copyClassifier(c)
	return nil
}

func (s *Store) GetClassifier(_ context.Context, id uuid.UUID) (*models.Classifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.classifiers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyClassifier(c), nil
}

func (s *Store) GetClassifierByOwnerAndName(_ context.Context, ownerID, name string) (*models.Classifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.classifiers {
		if c.OwnerID == ownerID && c.Name == name {
			return copyClassifier(c), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListClassifiers(_ context.Context, ownerID string, q models.ListQuery) ([]models.Classifier, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Classifier
	for _, c := range s.classifiers {
		if c.OwnerID == ownerID && matchesSearch(q.Search, c.Name, c.Description) {
			out = append(out, *copyClassifier(c))
		}
	}
	slices.SortFunc(out, func(a, b models.Classifier) int {
		var c int
		switch q.SortBy {
		case "name":
			c = directed(strings.Compare(a.Name, b.Name), q.SortOrder)
		case "status":
			c = directed(strings.Compare(string(a.Status), string(b.Status)), q.SortOrder)
			if c == 0 {
				c = b.CreatedAt.Compare(a.CreatedAt)
			}
		default:
			c = directed(a.CreatedAt.Compare(b.CreatedAt), q.SortOrder)
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return page(out, q.Skip, q.Limit), len(out), nil
}

func (s *Store) UpdateClassifier(_ context.Context, c *models.Classifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.classifiers[c.ID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, other := range s.classifiers {
		if other.ID != c.ID && other.OwnerID == existing.OwnerID && other.Name == c.Name {
			return repository.ErrConflict
		}
	}
	existing.Name = c.Name
	existing.Description = c.Description
	return nil
}

func (s *Store) training(id uuid.UUID) (*models.Classifier, bool) {
	c, ok := s.classifiers[id]
	if !ok || c.Status != models.ClassifierStatusTraining {
		return nil, false
	}
	return c, true
}

func (s *Store) MarkTrained(_ context.Context, id uuid.UUID, metrics map[string]any, artifactPath string, trainedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.training(id)
	if !ok {
		return false, nil
	}
	if c.Metrics == nil {
		c.Metrics = make(map[string]any)
	}
	maps.Copy(c.Metrics, metrics)
	delete(c.ModelParameters, repository.ParamError)
	c.Status = models.ClassifierStatusTrained
	c.ArtifactPath = &artifactPath
	c.TrainedAt = &trainedAt
	return true, nil
}

func (s *Store) MarkFailed(_ context.Context, id uuid.UUID, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.training(id)
	if !ok {
		return false, nil
	}
	if c.ModelParameters == nil {
		c.ModelParameters = make(map[string]any)
	}
	c.ModelParameters[repository.ParamError] = message
	c.Status = models.ClassifierStatusFailed
	return true, nil
}

func (s *Store) RecordAttemptError(_ context.Context, id uuid.UUID, message string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.training(id)
	if !ok {
		return nil
	}
	if c.ModelParameters == nil {
		c.ModelParameters = make(map[string]any)
	}
	c.ModelParameters[repository.ParamLastError] = message
	c.ModelParameters[repository.ParamAttempt] = attempt
	return nil
}

func (s *Store) ResetForRetry(_ context.Context, id uuid.UUID, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.classifiers[id]
	if !ok {
		return false, nil
	}
	if c.Status != models.ClassifierStatusFailed && !(force && c.Status == models.ClassifierStatusTraining) {
		return false, nil
	}
	delete(c.ModelParameters, repository.ParamError)
	delete(c.ModelParameters, repository.ParamLastError)
	delete(c.ModelParameters, repository.ParamAttempt)
	c.Status = models.ClassifierStatusTraining
	return true, nil
}

func (s *Store) DeleteClassifier(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.classifiers[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.classifiers, id)
	return nil
}
