package handler

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"image-classifier/internal/cache"
	"image-classifier/internal/catalog"
	"image-classifier/internal/ingest"
	"image-classifier/internal/models"
	"image-classifier/internal/repository/memstore"
	"image-classifier/internal/storage/local"
	"image-classifier/internal/training"
	"image-classifier/pkg/security"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingQueue struct {
	mu    sync.Mutex
	tasks []models.TrainingTask
}

func (q *recordingQueue) Enqueue(_ context.Context, task models.TrainingTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) EnqueueAfter(ctx context.Context, task models.TrainingTask, _ time.Duration) error {
	return q.Enqueue(ctx, task)
}

type testServer struct {
	router *gin.Engine
	store  *memstore.Store
	queue  *recordingQueue
}

const maxArchive = 64 << 10

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memstore.New()
	blobs := local.NewWithFs(afero.NewMemMapFs())
	counts := cache.NewCountCache(store, zap.NewNop(), nil)
	queue := &recordingQueue{}
	limits := ingest.Limits{MaxArchiveBytes: maxArchive, MaxEntries: 100, MaxEntryBytes: maxArchive, Concurrency: 2}

	h := NewHandler(
		catalog.NewService(store, store, counts, blobs, zap.NewNop()),
		ingest.NewPipeline(store, blobs, counts, limits, zap.NewNop(), nil),
		training.NewOrchestrator(store, store, blobs, queue, zap.NewNop(), nil),
		store, blobs, maxArchive, zap.NewNop(),
	)

	r := gin.New()
	api := r.Group("/api/v1")
	// Tests authenticate with X-User and X-Roles headers instead of a token.
	api.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-User"); user != "" {
			var roles []string
			if raw := c.GetHeader("X-Roles"); raw != "" {
				roles = strings.Split(raw, ",")
			}
			security.SetPrincipal(c, security.Principal{Subject: user, Roles: roles})
		}
		c.Next()
	})
	h.Register(api)
	return &testServer{router: r, store: store, queue: queue}
}

type request struct {
	method      string
	path        string
	user        string
	roles       string
	body        []byte
	contentType string
}

func (s *testServer) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, "/api/v1"+r.path, bytes.NewReader(r.body))
	if r.user != "" {
		req.Header.Set("X-User", r.user)
	}
	if r.roles != "" {
		req.Header.Set("X-Roles", r.roles)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	} else if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) createDataset(t *testing.T, user, name string) uuid.UUID {
	t.Helper()
	w := s.do(t, request{method: http.MethodPost, path: "/datasets", user: user, body: jsonBody(t, gin.H{"name": name})})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Dataset](t, w).ID
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func zipOf(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type formPart struct {
	field, filename string
	data            []byte
}

func multipartBody(t *testing.T, parts []formPart, fields map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		w, err := mw.CreateFormFile(p.field, p.filename)
		require.NoError(t, err)
		_, err = w.Write(p.data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestDatasetLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := s.createDataset(t, "alice", "pets")

	w := s.do(t, request{method: http.MethodPost, path: "/datasets", user: "alice", body: jsonBody(t, gin.H{"name": "pets"})})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, request{method: http.MethodGet, path: "/datasets/" + id.String(), user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[map[string]any](t, w)
	assert.Equal(t, "pets", view["name"])
	assert.Equal(t, 0.0, view["image_count"])

	w = s.do(t, request{method: http.MethodGet, path: "/datasets/" + id.String(), user: "bob"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, request{method: http.MethodPatch, path: "/datasets/" + id.String(), user: "alice",
		body: jsonBody(t, gin.H{"is_public": true})})
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, request{method: http.MethodGet, path: "/datasets/" + id.String(), user: "bob"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, request{method: http.MethodGet, path: "/datasets/not-a-uuid", user: "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, request{method: http.MethodDelete, path: "/datasets/" + id.String(), user: "alice"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, request{method: http.MethodGet, path: "/datasets/" + id.String(), user: "alice"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, request{method: http.MethodGet, path: "/datasets"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadArchiveCatDog(t *testing.T) {
	s := newTestServer(t)
	id := s.createDataset(t, "alice", "pets")

	archive := zipOf(t, map[string][]byte{
		"cat1.jpg": pngBytes(t, color.NRGBA{R: 200, A: 255}),
		"cat2.jpg": pngBytes(t, color.NRGBA{R: 180, A: 255}),
		"dog1.jpg": pngBytes(t, color.NRGBA{B: 200, A: 255}),
	})
	labels := []byte("cat1,cat\ncat2.jpg,cat\ndog1,dog\nghost.jpg,x\n")
	body, contentType := multipartBody(t,
		[]formPart{{"archive", "pets.zip", archive}, {"labels", "labels.csv", labels}},
		map[string]string{"labeling_mode": "csv"})

	w := s.do(t, request{method: http.MethodPost, path: "/datasets/" + id.String() + "/upload", user: "alice",
		body: body, contentType: contentType})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[models.IngestReport](t, w)
	assert.Equal(t, 3, report.ProcessedImages)
	assert.Equal(t, 3, report.LabelsApplied)
	assert.Equal(t, []string{"ghost.jpg=x"}, report.SkippedLabelDetails)

	w = s.do(t, request{method: http.MethodGet, path: "/datasets/" + id.String() + "/counts", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.DatasetCounts{ImageCount: 3, CategoryCount: 2}, decode[models.DatasetCounts](t, w))

	w = s.do(t, request{method: http.MethodPost, path: "/datasets/" + id.String() + "/upload", user: "bob",
		body: body, contentType: contentType})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUploadArchiveErrors(t *testing.T) {
	s := newTestServer(t)
	id := s.createDataset(t, "alice", "pets")
	path := "/datasets/" + id.String() + "/upload"

	tests := []struct {
		name    string
		archive []byte
		want    int
	}{
		{"not a zip", []byte("plain text"), http.StatusBadRequest},
		{"no images", zipOf(t, map[string][]byte{"readme.txt": []byte("hi")}), http.StatusBadRequest},
		{"too large", bytes.Repeat([]byte{'x'}, maxArchive+10), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, []formPart{{"archive", "a.zip", tt.archive}}, nil)
			w := s.do(t, request{method: http.MethodPost, path: path, user: "alice", body: body, contentType: contentType})
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	body, contentType := multipartBody(t, nil, map[string]string{"labeling_mode": "none"})
	w := s.do(t, request{method: http.MethodPost, path: path, user: "alice", body: body, contentType: contentType})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImageEndpoints(t *testing.T) {
	s := newTestServer(t)
	id := s.createDataset(t, "alice", "pets")

	body, contentType := multipartBody(t,
		[]formPart{{"image", "cat.png", pngBytes(t, color.NRGBA{R: 255, A: 255})}},
		map[string]string{"label": "cat"})
	w := s.do(t, request{method: http.MethodPost, path: "/datasets/" + id.String() + "/images", user: "alice",
		body: body, contentType: contentType})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	img := decode[models.Image](t, w)
	assert.Equal(t, "cat.png", img.Name)

	w = s.do(t, request{method: http.MethodPost, path: "/datasets/" + id.String() + "/images", user: "alice",
		body: body, contentType: contentType})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, request{method: http.MethodGet, path: "/datasets/" + id.String() + "/images?sort_by=name&limit=10", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ImageListResponse](t, w)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 10, list.Limit)

	w = s.do(t, request{method: http.MethodGet, path: "/datasets/" + id.String() + "/images?sort_by=size", user: "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, request{method: http.MethodPatch, path: "/images/" + img.ID.String(), user: "alice",
		body: jsonBody(t, gin.H{"label": "kitten"})})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "kitten", *decode[models.Image](t, w).Label)

	w = s.do(t, request{method: http.MethodPost, path: "/datasets/" + id.String() + "/labels", user: "alice",
		body: jsonBody(t, gin.H{"labels": []gin.H{{"image_name": "cat.png", "label": "cat"}, {"image_name": "nope.png", "label": "x"}}})})
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[models.LabelingReport](t, w)
	assert.Equal(t, 1, report.LabeledCount)
	assert.Equal(t, []string{"Image not found: nope.png"}, report.NotFoundDetails)

	w = s.do(t, request{method: http.MethodGet, path: "/datasets/" + id.String() + "/label-details", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[models.LabelDetails](t, w).LabeledImages)

	w = s.do(t, request{method: http.MethodDelete, path: "/images/" + img.ID.String(), user: "alice"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, request{method: http.MethodGet, path: "/images/" + img.ID.String(), user: "alice"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClassifierEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.createDataset(t, "alice", "pets")

	w := s.do(t, request{method: http.MethodGet, path: "/classifiers/architectures", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]ArchitectureInfo](t, w), 3)

	w = s.do(t, request{method: http.MethodPost, path: "/classifiers", user: "alice",
		body: jsonBody(t, gin.H{"name": "v1", "dataset_name": "pets", "architecture": "vgg16"})})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, request{method: http.MethodPost, path: "/classifiers", user: "alice",
		body: jsonBody(t, gin.H{"name": "v1", "dataset_name": "missing", "architecture": "resnet50"})})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, request{method: http.MethodPost, path: "/classifiers", user: "alice",
		body: jsonBody(t, gin.H{"name": "v1", "dataset_name": "pets", "architecture": "resnet50",
			"model_parameters": gin.H{"epochs": 2}})})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	created := decode[models.Classifier](t, w)
	assert.Equal(t, models.ClassifierStatusTraining, created.Status)
	require.Len(t, s.queue.tasks, 1)
	assert.Equal(t, created.ID, s.queue.tasks[0].ClassifierID)

	w = s.do(t, request{method: http.MethodPost, path: "/classifiers", user: "alice",
		body: jsonBody(t, gin.H{"name": "v1", "dataset_name": "pets", "architecture": "resnet50"})})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, request{method: http.MethodGet, path: "/classifiers/" + created.ID.String(), user: "bob"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	retryPath := "/classifiers/" + created.ID.String() + "/retry"
	w = s.do(t, request{method: http.MethodPost, path: retryPath, user: "alice"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(t, request{method: http.MethodPost, path: retryPath, user: "ops", roles: security.RoleAdmin})
	assert.Equal(t, http.StatusConflict, w.Code)

	_, err := s.store.MarkFailed(context.Background(), created.ID, "boom")
	require.NoError(t, err)
	w = s.do(t, request{method: http.MethodPost, path: retryPath, user: "ops", roles: security.RoleAdmin})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, s.queue.tasks, 2)

	w = s.do(t, request{method: http.MethodGet, path: "/classifiers", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ClassifierListResponse](t, w)
	assert.Equal(t, 1, list.Total)
	assert.Len(t, list.Classifiers, 1)

	w = s.do(t, request{method: http.MethodDelete, path: "/classifiers/" + created.ID.String(), user: "alice"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, request{method: http.MethodGet, path: "/classifiers/" + created.ID.String(), user: "alice"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClassifierUpdateAndDetail(t *testing.T) {
	s := newTestServer(t)
	s.createDataset(t, "alice", "pets")
	create := func(name string) models.Classifier {
		w := s.do(t, request{method: http.MethodPost, path: "/classifiers", user: "alice",
			body: jsonBody(t, gin.H{"name": name, "dataset_name": "pets", "architecture": "resnet50"})})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		return decode[models.Classifier](t, w)
	}
	v1 := create("v1")
	create("v2")
	path := "/classifiers/" + v1.ID.String()

	w := s.do(t, request{method: http.MethodPatch, path: path, user: "alice", body: jsonBody(t, gin.H{"name": "v2"})})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, request{method: http.MethodPatch, path: path, user: "alice", body: jsonBody(t, gin.H{"name": " "})})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, request{method: http.MethodPatch, path: path, user: "bob", body: jsonBody(t, gin.H{"name": "mine"})})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, request{method: http.MethodPatch, path: path, user: "alice",
		body: jsonBody(t, gin.H{"name": "v1-final", "description": "best so far"})})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[models.Classifier](t, w)
	assert.Equal(t, "v1-final", updated.Name)
	assert.Equal(t, "best so far", *updated.Description)

	w = s.do(t, request{method: http.MethodGet, path: path + "/detail", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[map[string]any](t, w)
	assert.Equal(t, "pets", detail["dataset_name"])
	assert.Equal(t, "v1-final", detail["name"])

	w = s.do(t, request{method: http.MethodGet, path: "/classifiers?search=final", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ClassifierListResponse](t, w)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, v1.ID, list.Classifiers[0].ID)

	w = s.do(t, request{method: http.MethodGet, path: "/classifiers?sort_by=name&sort_order=asc&limit=1", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	list = decode[ClassifierListResponse](t, w)
	assert.Equal(t, 2, list.Total)
	require.Len(t, list.Classifiers, 1)
	assert.Equal(t, "v1-final", list.Classifiers[0].Name)

	w = s.do(t, request{method: http.MethodGet, path: "/classifiers?sort_by=architecture", user: "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListDatasetsQuery(t *testing.T) {
	s := newTestServer(t)
	for _, name := range []string{"pets", "cars", "birds"} {
		s.createDataset(t, "alice", name)
	}
	s.createDataset(t, "bob", "pets")

	w := s.do(t, request{method: http.MethodGet, path: "/datasets?sort_by=name&sort_order=asc", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[DatasetListResponse](t, w)
	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Datasets, 3)
	assert.Equal(t, "birds", list.Datasets[0].Name)
	assert.Equal(t, 100, list.Limit)

	w = s.do(t, request{method: http.MethodGet, path: "/datasets?search=ca&skip=0&limit=5", user: "alice"})
	require.Equal(t, http.StatusOK, w.Code)
	list = decode[DatasetListResponse](t, w)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "cars", list.Datasets[0].Name)

	for _, query := range []string{"sort_by=owner", "sort_order=up", "limit=0", "skip=-1"} {
		w = s.do(t, request{method: http.MethodGet, path: "/datasets?" + query, user: "alice"})
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}
