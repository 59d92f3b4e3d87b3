package memstore

import (
	"context"
	"testing"
	"time"

	"image-classifier/internal/models"
	"image-classifier/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func seedDataset(t *testing.T, s *Store, owner, name string) *models.Dataset {
	t.Helper()
	d := &models.Dataset{ID: uuid.New(), OwnerID: owner, Name: name, CreatedAt: time.Now()}
	require.NoError(t, s.CreateDataset(context.Background(), d))
	return d
}

func TestDatasetNameUniquePerOwner(t *testing.T) {
	s := New()
	seedDataset(t, s, "alice", "pets")
	seedDataset(t, s, "bob", "pets")

	err := s.CreateDataset(context.Background(), &models.Dataset{ID: uuid.New(), OwnerID: "alice", Name: "pets"})
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestDeleteDatasetCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	d := seedDataset(t, s, "alice", "pets")
	img := &models.Image{ID: uuid.New(), DatasetID: d.ID, Name: "a.jpg", CreatedAt: time.Now()}
	require.NoError(t, s.CreateImage(ctx, img))
	c := &models.Classifier{ID: uuid.New(), OwnerID: "alice", DatasetID: &d.ID, Name: "m", Status: models.ClassifierStatusTraining}
	require.NoError(t, s.CreateClassifier(ctx, c))

	require.NoError(t, s.DeleteDataset(ctx, d.ID))

	_, err := s.GetImage(ctx, img.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	got, err := s.GetClassifier(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DatasetID)
}

func TestCountCacheTriple(t *testing.T) {
	ctx := context.Background()
	s := New()
	d := seedDataset(t, s, "alice", "pets")

	cached, err := s.CachedCounts(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, cached)

	for i, label := range []*string{strPtr("cat"), strPtr("dog"), strPtr("cat"), nil} {
		img := &models.Image{ID: uuid.New(), DatasetID: d.ID, Name: string(rune('a'+i)) + ".jpg", Label: label}
		require.NoError(t, s.CreateImage(ctx, img))
	}

	counts, err := s.RecomputeCounts(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DatasetCounts{ImageCount: 4, CategoryCount: 2}, counts)

	stored, err := s.GetDataset(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, stored.CacheValid())

	require.NoError(t, s.InvalidateCounts(ctx, d.ID))
	stored, err = s.GetDataset(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.CachedImageCount)
	assert.Nil(t, stored.CachedCategoryCount)
	assert.Nil(t, stored.CacheUpdatedAt)

	assert.NoError(t, s.InvalidateCounts(ctx, uuid.New()))
}

func TestListImagesSearchSortAndPage(t *testing.T) {
	ctx := context.Background()
	s := New()
	d := seedDataset(t, s, "alice", "pets")
	base := time.Now()
	for i, tc := range []struct {
		name  string
		label *string
	}{
		{"cat1.jpg", strPtr("cat")},
		{"dog1.jpg", strPtr("dog")},
		{"cat2.jpg", strPtr("cat")},
		{"misc.jpg", nil},
	} {
		img := &models.Image{ID: uuid.New(), DatasetID: d.ID, Name: tc.name, Label: tc.label, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.CreateImage(ctx, img))
	}

	page, total, err := s.ListImages(ctx, d.ID, models.ImageQuery{Search: "CAT", SortBy: "name", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 2)
	assert.Equal(t, "cat1.jpg", page[0].Name)
	assert.Equal(t, "cat2.jpg", page[1].Name)

	page, total, err = s.ListImages(ctx, d.ID, models.ImageQuery{SortBy: "label", SortOrder: "desc", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, "dog1.jpg", page[0].Name)
	assert.Equal(t, "misc.jpg", page[3].Name)

	page, _, err = s.ListImages(ctx, d.ID, models.ImageQuery{Skip: 3, Limit: 5})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "cat1.jpg", page[0].Name)
}

func TestClassifierTransitionsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := &models.Classifier{ID: uuid.New(), OwnerID: "alice", Name: "m", Status: models.ClassifierStatusTraining, ModelParameters: map[string]any{}}
	require.NoError(t, s.CreateClassifier(ctx, c))

	changed, err := s.MarkTrained(ctx, c.ID, map[string]any{"accuracy": 0.9}, "models/x/model.json", time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkFailed(ctx, c.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetClassifier(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClassifierStatusTrained, got.Status)
	assert.NotContains(t, got.ModelParameters, repository.ParamError)
	require.NotNil(t, got.TrainedAt)
	require.NotNil(t, got.ArtifactPath)
}

func TestResetForRetry(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := &models.Classifier{ID: uuid.New(), OwnerID: "alice", Name: "m", Status: models.ClassifierStatusTraining}
	require.NoError(t, s.CreateClassifier(ctx, c))

	ok, err := s.ResetForRetry(ctx, c.ID, false)
	require.NoError(t, err)
	assert.False(t, ok, "training rows need force")

	ok, err = s.ResetForRetry(ctx, c.ID, true)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.MarkFailed(ctx, c.ID, "boom")
	require.NoError(t, err)
	ok, err = s.ResetForRetry(ctx, c.ID, false)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetClassifier(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClassifierStatusTraining, got.Status)
	assert.NotContains(t, got.ModelParameters, repository.ParamError)
}

func TestListDatasetsSearchSortAndPage(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Now()
	for i, name := range []string{"pets", "cars", "pet food"} {
		d := &models.Dataset{ID: uuid.New(), OwnerID: "alice", Name: name, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.CreateDataset(ctx, d))
		for j := 0; j <= i; j++ {
			img := &models.Image{ID: uuid.New(), DatasetID: d.ID, Name: uuid.NewString(), Label: strPtr(string(rune('a' + j)))}
			require.NoError(t, s.CreateImage(ctx, img))
		}
	}
	seedDataset(t, s, "bob", "pets")
	cars, err := s.GetDatasetByOwnerAndName(ctx, "alice", "cars")
	require.NoError(t, err)
	cars.Description = strPtr("Pet carriers")
	require.NoError(t, s.UpdateDataset(ctx, cars))

	list, total, err := s.ListDatasets(ctx, "alice", models.ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, list, 3)
	assert.Equal(t, "pet food", list[0].Name)

	list, total, err = s.ListDatasets(ctx, "alice", models.ListQuery{Search: "PET", SortBy: "name", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"cars", "pet food", "pets"}, []string{list[0].Name, list[1].Name, list[2].Name})

	list, _, err = s.ListDatasets(ctx, "alice", models.ListQuery{SortBy: "category_count", SortOrder: "asc", Skip: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cars", list[0].Name)

	list, _, err = s.ListDatasets(ctx, "alice", models.ListQuery{SortBy: "image_count", SortOrder: "desc", Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pet food", list[0].Name)
}

func TestListAndUpdateClassifiers(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Now()
	statuses := []models.ClassifierStatus{models.ClassifierStatusTrained, models.ClassifierStatusFailed, models.ClassifierStatusTraining}
	var ids []uuid.UUID
	for i, name := range []string{"alpha", "beta", "gamma"} {
		c := &models.Classifier{ID: uuid.New(), OwnerID: "alice", Name: name, Status: statuses[i], CreatedAt: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.CreateClassifier(ctx, c))
		ids = append(ids, c.ID)
	}

	list, total, err := s.ListClassifiers(ctx, "alice", models.ListQuery{SortBy: "status", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"beta", "alpha", "gamma"}, []string{list[0].Name, list[1].Name, list[2].Name})

	list, total, err = s.ListClassifiers(ctx, "alice", models.ListQuery{Search: "ET", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "beta", list[0].Name)

	err = s.UpdateClassifier(ctx, &models.Classifier{ID: ids[0], Name: "beta"})
	assert.ErrorIs(t, err, repository.ErrConflict)

	require.NoError(t, s.UpdateClassifier(ctx, &models.Classifier{ID: ids[0], Name: "delta", Description: strPtr("renamed")}))
	got, err := s.GetClassifier(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "delta", got.Name)
	assert.Equal(t, "renamed", *got.Description)
	assert.Equal(t, models.ClassifierStatusTrained, got.Status)

	assert.ErrorIs(t, s.UpdateClassifier(ctx, &models.Classifier{ID: uuid.New(), Name: "x"}), repository.ErrNotFound)
}
