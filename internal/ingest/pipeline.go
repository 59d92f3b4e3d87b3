// Package ingest imports images into a dataset, either in bulk from a ZIP
// archive or one at a time, and applies labels to existing images.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"image-classifier/internal/cache"
	"image-classifier/internal/imageproc"
	"image-classifier/internal/metrics"
	"image-classifier/internal/models"
	"image-classifier/internal/repository"
	"image-classifier/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrInvalidImage    = errors.New("file is not a readable image")
	ErrImageTooLarge   = errors.New("image exceeds the maximum size")
	ErrDuplicateImage  = errors.New("an image with this name already exists in the dataset")
)

type outcomeKind int

const (
	outcomePending outcomeKind = iota
	outcomeProcessed
	outcomeDuplicate
	outcomeInvalid
)

type outcome struct {
	kind     outcomeKind
	labelKey string
	labeled  bool
}

type Pipeline struct {
	images  repository.ImageRepository
	blobs   storage.BlobStore
	counts  cache.Invalidator
	limits  Limits
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func NewPipeline(images repository.ImageRepository, blobs storage.BlobStore, counts cache.Invalidator,
	limits Limits, logger *zap.Logger, m *metrics.Collector) *Pipeline {
	if limits.Concurrency < 1 {
		limits.Concurrency = 1
	}
	return &Pipeline{
		images:  images,
		blobs:   blobs,
		counts:  counts,
		limits:  limits,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Ingest imports every image entry of archive into the dataset. Archive-level
// problems abort before any write; per-entry problems are counted in the
// report and the remaining entries still go through.
func (p *Pipeline) Ingest(ctx context.Context, datasetID uuid.UUID, archive []byte, labels *LabelMap) (*models.IngestReport, error) {
	start := time.Now()
	logger := p.logger.With(zap.String("dataset_id", datasetID.String()))

	entries, err := OpenArchive(archive, p.limits)
	if err != nil {
		p.metrics.RecordIngest("rejected", 0, 0, 0, int64(len(archive)), time.Since(start))
		return nil, err
	}

	outcomes := make([]outcome, len(entries))

	// A name repeated inside the archive is a duplicate of its first
	// occurrence, decided up front so the workers never race on it.
	firstSeen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if _, ok := firstSeen[e.Name]; ok {
			outcomes[i].kind = outcomeDuplicate
			continue
		}
		firstSeen[e.Name] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limits.Concurrency)
	for i := range entries {
		if outcomes[i].kind != outcomePending {
			continue
		}
		g.Go(func() error {
			outcomes[i] = p.processEntry(gctx, logger, datasetID, entries[i], labels)
			return nil
		})
	}
	_ = g.Wait()

	report := &models.IngestReport{
		DuplicateImageDetails: []string{},
		InvalidImageDetails:   []string{},
		SkippedLabelDetails:   []string{},
	}
	consumed := make(map[string]struct{})
	for i, o := range outcomes {
		switch o.kind {
		case outcomeProcessed:
			report.ProcessedImages++
			if o.labeled {
				report.LabelsApplied++
				consumed[o.labelKey] = struct{}{}
			}
		case outcomeDuplicate:
			report.DuplicateImages++
			report.DuplicateImageDetails = append(report.DuplicateImageDetails, entries[i].Path)
		default:
			report.InvalidImages++
			report.InvalidImageDetails = append(report.InvalidImageDetails, entries[i].Path)
		}
	}
	for _, key := range labels.Keys() {
		if _, ok := consumed[key]; !ok {
			value, _ := labels.Get(key)
			report.SkippedLabelDetails = append(report.SkippedLabelDetails, key+"="+value)
		}
	}
	report.LabelsSkipped = len(report.SkippedLabelDetails)

	if report.ProcessedImages > 0 {
		p.counts.Invalidate(context.WithoutCancel(ctx), datasetID)
	}

	p.metrics.RecordIngest("ok", report.ProcessedImages, report.DuplicateImages, report.InvalidImages,
		int64(len(archive)), time.Since(start))
	logger.Info("archive ingested",
		zap.Int("processed", report.ProcessedImages),
		zap.Int("duplicates", report.DuplicateImages),
		zap.Int("invalid", report.InvalidImages),
		zap.Int("labels_applied", report.LabelsApplied),
		zap.Duration("took", time.Since(start)))
	return report, nil
}

func (p *Pipeline) processEntry(ctx context.Context, logger *zap.Logger, datasetID uuid.UUID, e Entry, labels *LabelMap) outcome {
	logger = logger.With(zap.String("entry", e.Path))
	if p.limits.MaxEntryBytes > 0 && e.Size() > p.limits.MaxEntryBytes {
		logger.Warn("archive entry too large", zap.Int64("size", e.Size()))
		return outcome{kind: outcomeInvalid}
	}

	data, err := e.Read(p.entryLimit())
	if err != nil {
		logger.Warn("failed to read archive entry", zap.Error(err))
		return outcome{kind: outcomeInvalid}
	}

	var label *string
	key, value, labeled := labels.Lookup(e.Name)
	if labeled {
		label = &value
	}

	if _, err := p.store(ctx, datasetID, e.Name, data, label); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateImage):
			return outcome{kind: outcomeDuplicate}
		default:
			logger.Warn("archive entry rejected", zap.Error(err))
			return outcome{kind: outcomeInvalid}
		}
	}
	return outcome{kind: outcomeProcessed, labelKey: key, labeled: labeled}
}

func (p *Pipeline) entryLimit() int64 {
	if p.limits.MaxEntryBytes > 0 {
		return p.limits.MaxEntryBytes
	}
	return p.limits.MaxArchiveBytes
}

// store runs the per-image path shared by archive and single uploads: the
// duplicate check, decoding, the JPEG rendition, the blob write and the row
// insert. The blob is removed again if the insert fails.
func (p *Pipeline) store(ctx context.Context, datasetID uuid.UUID, name string, data []byte, label *string) (*models.Image, error) {
	_, err := p.images.GetImageByName(ctx, datasetID, name)
	if err == nil {
		return nil, ErrDuplicateImage
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for existing image: %w", err)
	}

	img, err := imageproc.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	thumb := imageproc.Thumbnail(img)
	rendition, err := imageproc.EncodeJPEG(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	id := uuid.New()
	blobPath := storage.ImagePath(id.String())
	if err := p.blobs.Put(ctx, blobPath, bytes.NewReader(rendition), int64(len(rendition)), "image/jpeg"); err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}

	row := &models.Image{
		ID:        id,
		DatasetID: datasetID,
		Name:      name,
		FilePath:  blobPath,
		Label:     label,
		Thumbnail: thumb,
		CreatedAt: p.now().UTC(),
	}
	if err := p.images.CreateImage(ctx, row); err != nil {
		if derr := p.blobs.Delete(context.WithoutCancel(ctx), blobPath); derr != nil {
			p.logger.Warn("failed to remove orphaned blob", zap.String("path", blobPath), zap.Error(derr))
		}
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrDuplicateImage
		}
		return nil, fmt.Errorf("failed to save image: %w", err)
	}
	return row, nil
}

// IngestOne stores a single uploaded image and invalidates the dataset counts.
func (p *Pipeline) IngestOne(ctx context.Context, datasetID uuid.UUID, filename string, data []byte, label *string) (*models.Image, error) {
	name := BaseName(filename)
	if !IsAllowedImage(name) {
		return nil, ErrUnsupportedType
	}
	if limit := p.entryLimit(); limit > 0 && int64(len(data)) > limit {
		return nil, ErrImageTooLarge
	}

	img, err := p.store(ctx, datasetID, name, data, label)
	if err != nil {
		return nil, err
	}
	p.counts.Invalidate(context.WithoutCancel(ctx), datasetID)
	return img, nil
}

// LabelAssignment sets the label of the image called ImageName. A blank label
// clears it.
type LabelAssignment struct {
	ImageName string `json:"image_name" binding:"required"`
	Label     string `json:"label"`
}

// ApplyLabels relabels existing images by name. Names with no matching image
// are reported, not treated as errors.
func (p *Pipeline) ApplyLabels(ctx context.Context, datasetID uuid.UUID, assignments []LabelAssignment) (*models.LabelingReport, error) {
	report := &models.LabelingReport{NotFoundDetails: []string{}}
	err := p.applyLabels(ctx, datasetID, assignments, report)
	if report.LabeledCount > 0 {
		p.counts.Invalidate(context.WithoutCancel(ctx), datasetID)
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (p *Pipeline) applyLabels(ctx context.Context, datasetID uuid.UUID, assignments []LabelAssignment, report *models.LabelingReport) error {
	for _, a := range assignments {
		img, err := p.images.GetImageByName(ctx, datasetID, a.ImageName)
		if errors.Is(err, repository.ErrNotFound) {
			report.NotFoundCount++
			report.NotFoundDetails = append(report.NotFoundDetails, fmt.Sprintf("Image not found: %s", a.ImageName))
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to look up image %s: %w", a.ImageName, err)
		}

		img.Label = nil
		if label := strings.TrimSpace(a.Label); label != "" {
			img.Label = &label
		}
		if err := p.images.UpdateImage(ctx, img); err != nil {
			return fmt.Errorf("failed to label image %s: %w", a.ImageName, err)
		}
		report.LabeledCount++
	}
	return nil
}
