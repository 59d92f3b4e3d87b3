package training

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"image-classifier/internal/models"
	"image-classifier/internal/repository"
	"image-classifier/internal/repository/memstore"
	"image-classifier/internal/storage"
	"image-classifier/internal/storage/local"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type queuedTask struct {
	task  models.TrainingTask
	delay time.Duration
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []queuedTask
	err   error
}

func (q *fakeQueue) Enqueue(ctx context.Context, task models.TrainingTask) error {
	return q.EnqueueAfter(ctx, task, 0)
}

func (q *fakeQueue) EnqueueAfter(_ context.Context, task models.TrainingTask, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, queuedTask{task: task, delay: delay})
	return nil
}

func (q *fakeQueue) sent() []queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedTask(nil), q.tasks...)
}

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]string
	unlock int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (l *fakeLocker) TryLock(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = token
	return true, nil
}

func (l *fakeLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
		l.unlock++
	}
	return nil
}

type stubTrainer struct {
	err error
}

func (stubTrainer) Architecture() Architecture     { return ArchXceptionMini }
func (stubTrainer) Features(image.Image) []float64 { return nil }
func (s stubTrainer) Train(context.Context, *TrainingSet, Hyperparameters) (*Result, error) {
	return nil, s.err
}

type runnerFixture struct {
	store   *memstore.Store
	fs      afero.Fs
	blobs   storage.BlobStore
	queue   *fakeQueue
	locker  *fakeLocker
	runner  *Runner
	dataset *models.Dataset
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		store:  memstore.New(),
		fs:     afero.NewMemMapFs(),
		queue:  &fakeQueue{},
		locker: newFakeLocker(),
	}
	f.blobs = local.NewWithFs(f.fs)
	f.dataset = &models.Dataset{ID: uuid.New(), OwnerID: "alice", Name: "pets", CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateDataset(context.Background(), f.dataset))

	cfg := RunnerConfig{
		Retry:    RetryPolicy{MaxAttempts: 3, Base: time.Minute, MaxDelay: time.Hour},
		LeaseTTL: time.Minute,
		Seed:     42,
	}
	f.runner = NewRunner(f.store, f.store, f.blobs, f.queue, f.locker, cfg, zap.NewNop(), nil)
	return f
}

func (f *runnerFixture) addImage(t *testing.T, name, label string, c color.Color) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 24, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	id := uuid.New()
	path := storage.ImagePath(id.String())
	require.NoError(t, f.blobs.Put(context.Background(), path, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/png"))

	row := &models.Image{ID: id, DatasetID: f.dataset.ID, Name: name, FilePath: path, CreatedAt: time.Now()}
	if label != "" {
		row.Label = &label
	}
	require.NoError(t, f.store.CreateImage(context.Background(), row))
}

func (f *runnerFixture) addClassifier(t *testing.T, arch Architecture, overrides map[string]any) *models.Classifier {
	t.Helper()
	params, err := MergeParameters(arch, overrides)
	require.NoError(t, err)
	datasetID := f.dataset.ID
	c := &models.Classifier{
		ID:              uuid.New(),
		OwnerID:         "alice",
		DatasetID:       &datasetID,
		Name:            "clf-" + uuid.NewString()[:8],
		Architecture:    string(arch),
		Status:          models.ClassifierStatusTraining,
		ModelParameters: params,
		Metrics:         map[string]any{},
		CreatedAt:       time.Now(),
	}
	require.NoError(t, f.store.CreateClassifier(context.Background(), c))
	return c
}

func (f *runnerFixture) get(t *testing.T, id uuid.UUID) *models.Classifier {
	t.Helper()
	c, err := f.store.GetClassifier(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *runnerFixture) exists(t *testing.T, path string) bool {
	t.Helper()
	ok, err := afero.Exists(f.fs, "/"+path)
	require.NoError(t, err)
	return ok
}

func (f *runnerFixture) addColors(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		shade := uint8(150 + i*10)
		f.addImage(t, "red"+string(rune('a'+i))+".png", "red", color.NRGBA{R: shade, A: 255})
		f.addImage(t, "blue"+string(rune('a'+i))+".png", "blue", color.NRGBA{B: shade, A: 255})
	}
}

func TestRunTrainsAndWritesArtifacts(t *testing.T) {
	f := newRunnerFixture(t)
	f.addColors(t, 4)
	f.addImage(t, "unlabeled.png", "", color.NRGBA{G: 200, A: 255})
	c := f.addClassifier(t, ArchXceptionMini, map[string]any{"epochs": 5, "batch_size": 4, "learning_rate": 0.1})

	require.NoError(t, f.runner.Run(context.Background(), models.TrainingTask{ClassifierID: c.ID, Attempt: 1}))

	got := f.get(t, c.ID)
	assert.Equal(t, models.ClassifierStatusTrained, got.Status)
	require.NotNil(t, got.ArtifactPath)
	assert.Equal(t, storage.ModelDir(c.ID.String())+ModelFile, *got.ArtifactPath)
	require.NotNil(t, got.TrainedAt)
	for _, key := range []string{"accuracy", "loss", "precision", "recall", "f1_score", "confusion_matrix"} {
		assert.Contains(t, got.Metrics, key)
	}
	assert.NotContains(t, got.ModelParameters, repository.ParamError)

	assert.True(t, f.exists(t, *got.ArtifactPath))
	rc, err := f.blobs.Get(context.Background(), storage.ModelDir(c.ID.String())+MetadataFile)
	require.NoError(t, err)
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	var meta Metadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, ArchXceptionMini, meta.Architecture)
	assert.Equal(t, 2, meta.NumClasses)
	assert.Equal(t, map[string]string{"0": "blue", "1": "red"}, meta.ClassMapping)
	assert.Equal(t, []any{180.0, 180.0}, meta.TrainParams[ParamImageSize])

	assert.Empty(t, f.queue.sent())
	assert.Equal(t, 1, f.locker.unlock)
}

func TestRunSingleLabelFailsWithoutArtifact(t *testing.T) {
	f := newRunnerFixture(t)
	f.addImage(t, "a.png", "cat", color.NRGBA{R: 200, A: 255})
	f.addImage(t, "b.png", "cat", color.NRGBA{R: 180, A: 255})
	f.addImage(t, "c.png", "", color.NRGBA{B: 180, A: 255})
	c := f.addClassifier(t, ArchResNet50, nil)

	require.NoError(t, f.runner.Run(context.Background(), models.TrainingTask{ClassifierID: c.ID, Attempt: 1}))

	got := f.get(t, c.ID)
	assert.Equal(t, models.ClassifierStatusFailed, got.Status)
	assert.Contains(t, got.ModelParameters[repository.ParamError], "at least 2 distinct labels")
	assert.Nil(t, got.ArtifactPath)
	assert.False(t, f.exists(t, storage.ModelDir(c.ID.String())+ModelFile))
	assert.Empty(t, f.queue.sent())
}

func TestRunDeletedDatasetFails(t *testing.T) {
	f := newRunnerFixture(t)
	c := f.addClassifier(t, ArchResNet50, nil)
	require.NoError(t, f.store.DeleteDataset(context.Background(), f.dataset.ID))

	require.NoError(t, f.runner.Run(context.Background(), models.TrainingTask{ClassifierID: c.ID, Attempt: 1}))
	assert.Equal(t, models.ClassifierStatusFailed, f.get(t, c.ID).Status)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	f := newRunnerFixture(t)
	f.addColors(t, 2)
	c := f.addClassifier(t, ArchXceptionMini, nil)
	f.runner.trainerFor = func(Architecture) Trainer {
		return stubTrainer{err: Transient(errors.New("storage unavailable"))}
	}

	require.NoError(t, f.runner.Run(context.Background(), models.TrainingTask{ClassifierID: c.ID, Attempt: 2}))

	got := f.get(t, c.ID)
	assert.Equal(t, models.ClassifierStatusTraining, got.Status)
	assert.Contains(t, got.ModelParameters[repository.ParamLastError], "storage unavailable")
	assert.Equal(t, 2, got.ModelParameters[repository.ParamAttempt])
	assert.NotContains(t, got.ModelParameters, repository.ParamError)

	sent := f.queue.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.TrainingTask{ClassifierID: c.ID, Attempt: 3}, sent[0].task)
	assert.Equal(t, 2*time.Minute, sent[0].delay)
}

func TestRunFinalAttemptFails(t *testing.T) {
	f := newRunnerFixture(t)
	f.addColors(t, 2)
	c := f.addClassifier(t, ArchXceptionMini, nil)
	f.runner.trainerFor = func(Architecture) Trainer {
		return stubTrainer{err: Transient(errors.New("storage unavailable"))}
	}

	require.NoError(t, f.runner.Run(context.Background(), models.TrainingTask{ClassifierID: c.ID, Attempt: 3}))

	got := f.get(t, c.ID)
	assert.Equal(t, models.ClassifierStatusFailed, got.Status)
	assert.Contains(t, got.ModelParameters[repository.ParamError], "storage unavailable")
	assert.Empty(t, f.queue.sent())
}

func TestRunRetryEnqueueFailureRedelivers(t *testing.T) {
	f := newRunnerFixture(t)
	f.addColors(t, 2)
	c := f.addClassifier(t, ArchXceptionMini, nil)
	f.runner.trainerFor = func(Architecture) Trainer {
		return stubTrainer{err: Transient(errors.New("storage unavailable"))}
	}
	f.queue.err = errors.New("broker down")

	err := f.runner.Run(context.Background(), models.TrainingTask{ClassifierID: c.ID, Attempt: 1})
	assert.Error(t, err)
	assert.Equal(t, models.ClassifierStatusTraining, f.get(t, c.ID).Status)
}

func TestRunParksTaskWhenLeaseHeld(t *testing.T) {
	f := newRunnerFixture(t)
	c := f.addClassifier(t, ArchXceptionMini, map[string]any{"epochs": 5, "batch_size": 4, "learning_rate": 0.1})
	f.locker.held[lockKey(c.ID)] = "crashed-worker"

	task := models.TrainingTask{ClassifierID: c.ID, Attempt: 2}
	require.NoError(t, f.runner.Run(context.Background(), task))

	assert.Equal(t, models.ClassifierStatusTraining, f.get(t, c.ID).Status)
	assert.Equal(t, "crashed-worker", f.locker.held[lockKey(c.ID)])
	assert.Equal(t, []queuedTask{{task: task, delay: time.Minute}}, f.queue.sent())

	// Once the dead holder's lease expires the parked task trains.
	f.addColors(t, 4)
	delete(f.locker.held, lockKey(c.ID))
	require.NoError(t, f.runner.Run(context.Background(), f.queue.sent()[0].task))
	assert.Equal(t, models.ClassifierStatusTrained, f.get(t, c.ID).Status)
}

func TestRunParkDelayCappedByRetryMaxDelay(t *testing.T) {
	f := newRunnerFixture(t)
	f.runner.cfg.LeaseTTL = 6 * time.Hour
	c := f.addClassifier(t, ArchXceptionMini, nil)
	f.locker.held[lockKey(c.ID)] = "crashed-worker"

	require.NoError(t, f.runner.Run(context.Background(), models.TrainingTask{ClassifierID: c.ID, Attempt: 1}))
	sent := f.queue.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, time.Hour, sent[0].delay)
}

func TestRunLeaseHeldOnFinishedClassifierDropsTask(t *testing.T) {
	f := newRunnerFixture(t)
	c := f.addClassifier(t, ArchXceptionMini, nil)
	_, err := f.store.MarkFailed(context.Background(), c.ID, "earlier failure")
	require.NoError(t, err)
	f.locker.held[lockKey(c.ID)] = "other-worker"

	require.NoError(t, f.runner.Run(context.Background(), models.TrainingTask{ClassifierID: c.ID, Attempt: 1}))
	assert.Empty(t, f.queue.sent())
}

func TestRunLeaseHeldParkFailureRedelivers(t *testing.T) {
	f := newRunnerFixture(t)
	c := f.addClassifier(t, ArchXceptionMini, nil)
	f.locker.held[lockKey(c.ID)] = "other-worker"
	f.queue.err = errors.New("broker down")

	assert.Error(t, f.runner.Run(context.Background(), models.TrainingTask{ClassifierID: c.ID, Attempt: 1}))
}

func TestRunSkipsFinishedClassifier(t *testing.T) {
	f := newRunnerFixture(t)
	c := f.addClassifier(t, ArchXceptionMini, nil)
	changed, err := f.store.MarkFailed(context.Background(), c.ID, "earlier failure")
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, f.runner.Run(context.Background(), models.TrainingTask{ClassifierID: c.ID, Attempt: 1}))

	got := f.get(t, c.ID)
	assert.Equal(t, models.ClassifierStatusFailed, got.Status)
	assert.Equal(t, "earlier failure", got.ModelParameters[repository.ParamError])
}

func TestRunMissingClassifierIsAcked(t *testing.T) {
	f := newRunnerFixture(t)
	assert.NoError(t, f.runner.Run(context.Background(), models.TrainingTask{ClassifierID: uuid.New(), Attempt: 1}))
	assert.Empty(t, f.locker.held)
}
