package training

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"image-classifier/internal/imageproc"
	"image-classifier/internal/metrics"
	"image-classifier/internal/models"
	"image-classifier/internal/repository"
	"image-classifier/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Locker grants a short-lived exclusive lease keyed by a string.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

type RunnerConfig struct {
	Retry    RetryPolicy
	LeaseTTL time.Duration
	Seed     uint64
	// LoadConcurrency bounds parallel image downloads per job.
	LoadConcurrency int
}

// Runner executes training tasks on the worker side.
type Runner struct {
	classifiers repository.ClassifierRepository
	images      repository.ImageRepository
	blobs       storage.BlobStore
	queue       TaskQueue
	locker      Locker
	cfg         RunnerConfig
	trainerFor  func(Architecture) Trainer
	logger      *zap.Logger
	metrics     *metrics.Collector
	now         func() time.Time
}

func NewRunner(classifiers repository.ClassifierRepository, images repository.ImageRepository, blobs storage.BlobStore,
	queue TaskQueue, locker Locker, cfg RunnerConfig, logger *zap.Logger, m *metrics.Collector) *Runner {
	if cfg.LoadConcurrency < 1 {
		cfg.LoadConcurrency = 4
	}
	return &Runner{
		classifiers: classifiers,
		images:      images,
		blobs:       blobs,
		queue:       queue,
		locker:      locker,
		cfg:         cfg,
		trainerFor:  TrainerFor,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

func lockKey(id uuid.UUID) string {
	return "training:lease:" + id.String()
}

// Run handles one delivery of a training task. A nil return means the
// delivery is finished and can be acknowledged, including when it was a
// stale or duplicate delivery. An error means the outcome could not be
// recorded and the delivery should be redelivered.
func (r *Runner) Run(ctx context.Context, task models.TrainingTask) error {
	attempt := max(task.Attempt, 1)
	logger := r.logger.With(zap.String("classifier_id", task.ClassifierID.String()), zap.Int("attempt", attempt))

	token := uuid.NewString()
	key := lockKey(task.ClassifierID)
	locked, err := r.locker.TryLock(ctx, key, token, r.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire training lease: %w", err)
	}
	if !locked {
		return r.park(ctx, logger, task)
	}
	defer func() {
		if err := r.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			logger.Warn("failed to release training lease", zap.Error(err))
		}
	}()

	c, err := r.classifiers.GetClassifier(ctx, task.ClassifierID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Info("classifier no longer exists, skipping task")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load classifier: %w", err)
	}
	if c.Status != models.ClassifierStatusTraining {
		logger.Info("classifier is not training, skipping task", zap.String("status", string(c.Status)))
		return nil
	}

	done := r.metrics.TrainingStarted(c.Architecture)
	logger.Info("training started", zap.String("architecture", c.Architecture))

	err = r.execute(ctx, logger, c)
	if err == nil {
		done("trained")
		return nil
	}
	return r.handleFailure(ctx, logger, task, attempt, err, done)
}

// park handles a delivery whose lease is held by another worker. The holder
// may have died mid-job, so a classifier still in training gets the task back
// on the delay queue and is re-checked once the lease can have expired.
func (r *Runner) park(ctx context.Context, logger *zap.Logger, task models.TrainingTask) error {
	c, err := r.classifiers.GetClassifier(ctx, task.ClassifierID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Info("classifier no longer exists, dropping task")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load classifier: %w", err)
	}
	if c.Status != models.ClassifierStatusTraining {
		logger.Info("lease held and classifier left training, dropping task", zap.String("status", string(c.Status)))
		return nil
	}

	delay := r.parkDelay()
	if err := r.queue.EnqueueAfter(ctx, task, delay); err != nil {
		return fmt.Errorf("failed to park task behind held lease: %w", err)
	}
	logger.Info("training lease held by another worker, task parked", zap.Duration("delay", delay))
	return nil
}

// parkDelay is the lease TTL, capped by the retry policy's max delay.
func (r *Runner) parkDelay() time.Duration {
	delay := r.cfg.LeaseTTL
	if r.cfg.Retry.MaxDelay > 0 && (delay <= 0 || delay > r.cfg.Retry.MaxDelay) {
		delay = r.cfg.Retry.MaxDelay
	}
	if delay <= 0 {
		delay = time.Minute
	}
	return delay
}

func (r *Runner) handleFailure(ctx context.Context, logger *zap.Logger, task models.TrainingTask, attempt int, cause error, done func(string)) error {
	message := cause.Error()

	if r.cfg.Retry.ShouldRetry(attempt, cause) {
		delay := r.cfg.Retry.Delay(attempt)
		logger.Warn("training attempt failed with a transient error, retrying",
			zap.Error(cause), zap.Duration("delay", delay))
		if err := r.classifiers.RecordAttemptError(ctx, task.ClassifierID, message, attempt); err != nil {
			logger.Warn("failed to record attempt error", zap.Error(err))
		}
		next := models.TrainingTask{ClassifierID: task.ClassifierID, Attempt: attempt + 1}
		if err := r.queue.EnqueueAfter(ctx, next, delay); err != nil {
			done("requeued")
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		r.metrics.TrainingRetry()
		done("retried")
		return nil
	}

	logger.Error("training failed", zap.Error(cause), zap.Bool("transient", IsTransient(cause)))
	changed, err := r.classifiers.MarkFailed(ctx, task.ClassifierID, message)
	if err != nil {
		done("requeued")
		return fmt.Errorf("failed to mark classifier failed: %w", err)
	}
	if !changed {
		logger.Info("classifier already left training, failure not recorded")
	}
	done("failed")
	return nil
}

// execute runs the training job and records a successful outcome.
func (r *Runner) execute(ctx context.Context, logger *zap.Logger, c *models.Classifier) error {
	if c.DatasetID == nil {
		return fmt.Errorf("%w: the classifier's dataset was deleted", ErrDatasetNotFound)
	}
	arch := Architecture(c.Architecture)
	trainer := r.trainerFor(arch)
	if trainer == nil {
		return fmt.Errorf("%w: %q", ErrInvalidArchitecture, c.Architecture)
	}
	params, err := ParametersFromMap(c.ModelParameters)
	if err != nil {
		return err
	}

	rows, err := r.images.ListAllImages(ctx, *c.DatasetID)
	if err != nil {
		return fmt.Errorf("failed to load dataset images: %w", err)
	}
	labeled := slices.DeleteFunc(rows, func(img models.Image) bool { return img.Label == nil })
	if n := distinctLabels(labeled); n < 2 {
		return fmt.Errorf("%w: dataset has %d", ErrInsufficientClasses, n)
	}

	set, err := r.loadSamples(ctx, logger, labeled)
	if err != nil {
		return err
	}
	set.Seed = r.cfg.Seed
	if len(set.Classes) < 2 {
		return fmt.Errorf("%w: only %d readable", ErrInsufficientClasses, len(set.Classes))
	}

	trainIdx, valIdx := Split(len(set.Train), params.ValidationSplit, r.cfg.Seed)
	all := set.Train
	set.Train = pick(all, trainIdx)
	set.Validation = pick(all, valIdx)
	logger.Info("dataset prepared",
		zap.Int("classes", len(set.Classes)),
		zap.Int("train_samples", len(set.Train)),
		zap.Int("validation_samples", len(set.Validation)))

	result, err := trainer.Train(ctx, set, params)
	if err != nil {
		return fmt.Errorf("training procedure failed: %w", err)
	}

	trainedAt := r.now().UTC()
	meta := NewMetadata(arch, set.Classes, result.Metrics, params, result.Epochs, trainedAt)
	artifactPath, err := WriteArtifacts(ctx, r.blobs, c.ID.String(), result.Model, meta)
	if err != nil {
		return err
	}

	changed, err := r.classifiers.MarkTrained(ctx, c.ID, result.Metrics, artifactPath, trainedAt)
	if err != nil {
		return fmt.Errorf("failed to mark classifier trained: %w", err)
	}
	if !changed {
		logger.Info("classifier already left training, result discarded")
		return nil
	}
	logger.Info("training finished", zap.String("artifact", artifactPath), zap.Any("accuracy", result.Metrics["accuracy"]))
	return nil
}

// loadSamples downloads and decodes the labeled images. Images whose blob is
// missing or unreadable are skipped; storage errors abort the job. Classes are
// indexed in sorted label order.
func (r *Runner) loadSamples(ctx context.Context, logger *zap.Logger, images []models.Image) (*TrainingSet, error) {
	samples := make([]Sample, len(images))
	ok := make([]bool, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.LoadConcurrency)
	var mu sync.Mutex
	skipped := 0
	for i, img := range images {
		g.Go(func() error {
			rc, err := r.blobs.Get(gctx, img.FilePath)
			if errors.Is(err, storage.ErrNotFound) {
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read image %s: %w", img.ID, err)
			}
			defer rc.Close()
			decoded, err := imageproc.Decode(rc)
			if err != nil {
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}
			samples[i] = Sample{Image: decoded}
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if skipped > 0 {
		logger.Warn("skipped unreadable images", zap.Int("count", skipped))
	}

	var labels []string
	for i, img := range images {
		if ok[i] {
			labels = append(labels, *img.Label)
		}
	}
	slices.Sort(labels)
	classes := slices.Compact(labels)

	set := &TrainingSet{Classes: classes}
	for i, img := range images {
		if !ok[i] {
			continue
		}
		s := samples[i]
		s.Class, _ = slices.BinarySearch(classes, *img.Label)
		set.Train = append(set.Train, s)
	}
	return set, nil
}

func distinctLabels(images []models.Image) int {
	seen := make(map[string]struct{})
	for _, img := range images {
		seen[*img.Label] = struct{}{}
	}
	return len(seen)
}

func pick(samples []Sample, idx []int) []Sample {
	out := make([]Sample, len(idx))
	for i, j := range idx {
		out[i] = samples[j]
	}
	return out
}
