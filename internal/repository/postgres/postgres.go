// Package postgres implements repository.Store with raw SQL over a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"image-classifier/internal/models"
	"image-classifier/internal/repository"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ repository.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// --- datasets ---

const datasetColumns = `id, owner_id, name, description, is_public, created_at,
	cached_image_count, cached_category_count, cache_updated_at`

func scanDataset(row pgx.Row) (*models.Dataset, error) {
	var d models.Dataset
	err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.Description, &d.IsPublic, &d.CreatedAt,
		&d.CachedImageCount, &d.CachedCategoryCount, &d.CacheUpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &d, nil
}

func (s *Store) CreateDataset(ctx context.Context, d *models.Dataset) error {
	query := `
		INSERT INTO datasets (id, owner_id, name, description, is_public, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query, d.ID, d.OwnerID, d.Name, d.Description, d.IsPublic, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dataset: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetDataset(ctx context.Context, id uuid.UUID) (*models.Dataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE id = $1`
	return scanDataset(s.pool.QueryRow(ctx, query, id))
}

func (s *Store) GetDatasetByOwnerAndName(ctx context.Context, ownerID, name string) (*models.Dataset, error) {
	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE owner_id = $1 AND name = $2`
	return scanDataset(s.pool.QueryRow(ctx, query, ownerID, name))
}

func sortDir(sortOrder string) string {
	if sortOrder == "asc" {
		return "ASC"
	}
	return "DESC"
}

func pageClause(q models.ListQuery) string {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	return ` OFFSET ` + strconv.Itoa(max(q.Skip, 0)) + ` LIMIT ` + strconv.Itoa(limit)
}

func datasetOrderBy(sortBy, sortOrder string) string {
	dir := sortDir(sortOrder)
	switch sortBy {
	case "name":
		return "name " + dir + ", id ASC"
	case "image_count":
		return "(SELECT count(*) FROM images i WHERE i.dataset_id = datasets.id) " + dir + ", created_at DESC, id ASC"
	case "category_count":
		return "(SELECT count(DISTINCT label) FROM images i WHERE i.dataset_id = datasets.id) " + dir + ", created_at DESC, id ASC"
	case "is_public":
		return "is_public " + dir + ", created_at DESC, id ASC"
	default:
		return "created_at " + dir + ", id ASC"
	}
}

const ownedSearch = `owner_id = $1 AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR description ILIKE '%' || $2 || '%')`

func (s *Store) ListDatasets(ctx context.Context, ownerID string, q models.ListQuery) ([]models.Dataset, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM datasets WHERE `+ownedSearch, ownerID, q.Search).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count datasets: %w", err)
	}

	query := `SELECT ` + datasetColumns + ` FROM datasets WHERE ` + ownedSearch +
		` ORDER BY ` + datasetOrderBy(q.SortBy, q.SortOrder) + pageClause(q)
	rows, err := s.pool.Query(ctx, query, ownerID, q.Search)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var out []models.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) UpdateDataset(ctx context.Context, d *models.Dataset) error {
	query := `UPDATE datasets SET name = $2, description = $3, is_public = $4 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, d.ID, d.Name, d.Description, d.IsPublic)
	if err != nil {
		return fmt.Errorf("failed to update dataset: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteDataset(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) LabelDetails(ctx context.Context, id uuid.UUID) (*models.LabelDetails, error) {
	details := &models.LabelDetails{DatasetID: id, Categories: []models.CategoryDetail{}}

	rows, err := s.pool.Query(ctx, `
		SELECT label, count(*)
		FROM images
		WHERE dataset_id = $1 AND label IS NOT NULL
		GROUP BY label
		ORDER BY label
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query label details: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c models.CategoryDetail
		if err := rows.Scan(&c.Name, &c.ImageCount); err != nil {
			return nil, err
		}
		details.Categories = append(details.Categories, c)
		details.LabeledImages += c.ImageCount
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	details.Count = len(details.Categories)

	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM images WHERE dataset_id = $1 AND label IS NULL`, id,
	).Scan(&details.UnlabeledImages)
	if err != nil {
		return nil, fmt.Errorf("failed to count unlabeled images: %w", err)
	}
	return details, nil
}

// --- count cache ---

func (s *Store) CachedCounts(ctx context.Context, datasetID uuid.UUID) (*models.DatasetCounts, error) {
	var imageCount, categoryCount *int
	err := s.pool.QueryRow(ctx, `
		SELECT cached_image_count, cached_category_count
		FROM datasets
		WHERE id = $1 AND cache_updated_at IS NOT NULL
	`, datasetID).Scan(&imageCount, &categoryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached counts: %w", err)
	}
	if imageCount == nil || categoryCount == nil {
		return nil, nil
	}
	return &models.DatasetCounts{ImageCount: *imageCount, CategoryCount: *categoryCount}, nil
}

// RecomputeCounts locks the dataset row before counting. An invalidation
// racing with it either commits first and is seen by the count, or waits on
// the lock and clears the cache after the write-back.
func (s *Store) RecomputeCounts(ctx context.Context, datasetID uuid.UUID) (models.DatasetCounts, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.DatasetCounts{}, fmt.Errorf("failed to begin recompute: %w", err)
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM datasets WHERE id = $1 FOR NO KEY UPDATE`, datasetID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DatasetCounts{}, nil
	}
	if err != nil {
		return models.DatasetCounts{}, fmt.Errorf("failed to lock dataset: %w", err)
	}

	var counts models.DatasetCounts
	err = tx.QueryRow(ctx, `
		SELECT count(*)::int, count(DISTINCT label)::int
		FROM images
		WHERE dataset_id = $1
	`, datasetID).Scan(&counts.ImageCount, &counts.CategoryCount)
	if err != nil {
		return models.DatasetCounts{}, fmt.Errorf("failed to count images: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE datasets
		SET cached_image_count = $2, cached_category_count = $3, cache_updated_at = NOW()
		WHERE id = $1
	`, datasetID, counts.ImageCount, counts.CategoryCount)
	if err != nil {
		return models.DatasetCounts{}, fmt.Errorf("failed to store counts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.DatasetCounts{}, fmt.Errorf("failed to commit recompute: %w", err)
	}
	return counts, nil
}

func (s *Store) InvalidateCounts(ctx context.Context, datasetID uuid.UUID) error {
	query := `
		UPDATE datasets
		SET cached_image_count = NULL, cached_category_count = NULL, cache_updated_at = NULL
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, datasetID); err != nil {
		return fmt.Errorf("failed to invalidate counts: %w", err)
	}
	return nil
}

// --- images ---

const imageColumns = `id, dataset_id, name, file_path, label, thumbnail, created_at`

func scanImage(row pgx.Row) (*models.Image, error) {
	var img models.Image
	err := row.Scan(&img.ID, &img.DatasetID, &img.Name, &img.FilePath, &img.Label, &img.Thumbnail, &img.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &img, nil
}

func (s *Store) CreateImage(ctx context.Context, img *models.Image) error {
	query := `
		INSERT INTO images (id, dataset_id, name, file_path, label, thumbnail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query, img.ID, img.DatasetID, img.Name, img.FilePath, img.Label, img.Thumbnail, img.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert image: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	return scanImage(s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
}

func (s *Store) GetImageByName(ctx context.Context, datasetID uuid.UUID, name string) (*models.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE dataset_id = $1 AND name = $2`
	return scanImage(s.pool.QueryRow(ctx, query, datasetID, name))
}

func imageOrderBy(sortBy, sortOrder string) string {
	dir := sortDir(sortOrder)
	switch sortBy {
	case "name":
		return "name " + dir + ", id ASC"
	case "label":
		// Unlabeled images go last in both directions.
		return "label IS NULL ASC, label " + dir + ", created_at " + dir + ", id ASC"
	default:
		return "created_at " + dir + ", id ASC"
	}
}

func (s *Store) ListImages(ctx context.Context, datasetID uuid.UUID, q models.ImageQuery) ([]models.Image, int, error) {
	where := `dataset_id = $1 AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR label ILIKE '%' || $2 || '%')`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM images WHERE `+where, datasetID, q.Search).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count images: %w", err)
	}

	query := `SELECT ` + imageColumns + ` FROM images WHERE ` + where +
		` ORDER BY ` + imageOrderBy(q.SortBy, q.SortOrder) + pageClause(models.ListQuery(q))
	rows, err := s.pool.Query(ctx, query, datasetID, q.Search)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	images, err := collectImages(rows)
	if err != nil {
		return nil, 0, err
	}
	return images, total, nil
}

func (s *Store) ListAllImages(ctx context.Context, datasetID uuid.UUID) ([]models.Image, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+imageColumns+` FROM images WHERE dataset_id = $1 ORDER BY created_at, id`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()
	return collectImages(rows)
}

func collectImages(rows pgx.Rows) ([]models.Image, error) {
	var out []models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

func (s *Store) UpdateImage(ctx context.Context, img *models.Image) error {
	tag, err := s.pool.Exec(ctx, `UPDATE images SET name = $2, label = $3 WHERE id = $1`, img.ID, img.Name, img.Label)
	if err != nil {
		return fmt.Errorf("failed to update image: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteImage(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// --- classifiers ---

const classifierColumns = `id, owner_id, dataset_id, name, description, architecture, status,
	model_parameters, metrics, artifact_path, trained_at, created_at`

func scanClassifier(row pgx.Row) (*models.Classifier, error) {
	var (
		c             models.Classifier
		params, stats []byte
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.DatasetID, &c.Name, &c.Description, &c.Architecture, &c.Status,
		&params, &stats, &c.ArtifactPath, &c.TrainedAt, &c.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &c.ModelParameters); err != nil {
			return nil, fmt.Errorf("failed to decode model parameters: %w", err)
		}
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &c.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
	}
	return &c, nil
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(v)
}

func (s *Store) CreateClassifier(ctx context.Context, c *models.Classifier) error {
	params, err := marshalJSON(c.ModelParameters)
	if err != nil {
		return fmt.Errorf("failed to encode model parameters: %w", err)
	}
	stats, err := marshalJSON(c.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	query := `
		INSERT INTO classifiers (id, owner_id, dataset_id, name, description, architecture, status,
			model_parameters, metrics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.pool.Exec(ctx, query, c.ID, c.OwnerID, c.DatasetID, c.Name, c.Description, c.Architecture,
		c.Status, params, stats, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert classifier: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetClassifier(ctx context.Context, id uuid.UUID) (*models.Classifier, error) {
	return scanClassifier(s.pool.QueryRow(ctx, `SELECT `+classifierColumns+` FROM classifiers WHERE id = $1`, id))
}

func (s *Store) GetClassifierByOwnerAndName(ctx context.Context, ownerID, name string) (*models.Classifier, error) {
	query := `SELECT ` + classifierColumns + ` FROM classifiers WHERE owner_id = $1 AND name = $2`
	return scanClassifier(s.pool.QueryRow(ctx, query, ownerID, name))
}

func classifierOrderBy(sortBy, sortOrder string) string {
	dir := sortDir(sortOrder)
	switch sortBy {
	case "name":
		return "name " + dir + ", id ASC"
	case "status":
		return "status " + dir + ", created_at DESC, id ASC"
	default:
		return "created_at " + dir + ", id ASC"
	}
}

func (s *Store) ListClassifiers(ctx context.Context, ownerID string, q models.ListQuery) ([]models.Classifier, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM classifiers WHERE `+ownedSearch, ownerID, q.Search).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count classifiers: %w", err)
	}

	query := `SELECT ` + classifierColumns + ` FROM classifiers WHERE ` + ownedSearch +
		` ORDER BY ` + classifierOrderBy(q.SortBy, q.SortOrder) + pageClause(q)
	rows, err := s.pool.Query(ctx, query, ownerID, q.Search)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list classifiers: %w", err)
	}
	defer rows.Close()

	var out []models.Classifier
	for rows.Next() {
		c, err := scanClassifier(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) UpdateClassifier(ctx context.Context, c *models.Classifier) error {
	query := `UPDATE classifiers SET name = $2, description = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, c.ID, c.Name, c.Description)
	if err != nil {
		return fmt.Errorf("failed to update classifier: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) MarkTrained(ctx context.Context, id uuid.UUID, metrics map[string]any, artifactPath string, trainedAt time.Time) (bool, error) {
	stats, err := marshalJSON(metrics)
	if err != nil {
		return false, fmt.Errorf("failed to encode metrics: %w", err)
	}
	query := `
		UPDATE classifiers
		SET status = $2,
			metrics = COALESCE(metrics, '{}'::jsonb) || COALESCE($3::jsonb, '{}'::jsonb),
			model_parameters = COALESCE(model_parameters, '{}'::jsonb) - 'error',
			artifact_path = $4,
			trained_at = $5
		WHERE id = $1 AND status = $6
	`
	tag, err := s.pool.Exec(ctx, query, id, models.ClassifierStatusTrained, stats, artifactPath, trainedAt,
		models.ClassifierStatusTraining)
	if err != nil {
		return false, fmt.Errorf("failed to mark classifier trained: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	query := `
		UPDATE classifiers
		SET status = $2,
			model_parameters = COALESCE(model_parameters, '{}'::jsonb) || jsonb_build_object('error', $3::text)
		WHERE id = $1 AND status = $4
	`
	tag, err := s.pool.Exec(ctx, query, id, models.ClassifierStatusFailed, message, models.ClassifierStatusTraining)
	if err != nil {
		return false, fmt.Errorf("failed to mark classifier failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) RecordAttemptError(ctx context.Context, id uuid.UUID, message string, attempt int) error {
	query := `
		UPDATE classifiers
		SET model_parameters = COALESCE(model_parameters, '{}'::jsonb)
			|| jsonb_build_object('last_error', $2::text, 'attempt', $3::int)
		WHERE id = $1 AND status = $4
	`
	_, err := s.pool.Exec(ctx, query, id, message, attempt, models.ClassifierStatusTraining)
	if err != nil {
		return fmt.Errorf("failed to record attempt error: %w", err)
	}
	return nil
}

func (s *Store) ResetForRetry(ctx context.Context, id uuid.UUID, force bool) (bool, error) {
	query := `
		UPDATE classifiers
		SET status = $2,
			model_parameters = COALESCE(model_parameters, '{}'::jsonb) - 'error' - 'last_error' - 'attempt'
		WHERE id = $1 AND (status = $3 OR ($4 AND status = $2))
	`
	tag, err := s.pool.Exec(ctx, query, id, models.ClassifierStatusTraining, models.ClassifierStatusFailed, force)
	if err != nil {
		return false, fmt.Errorf("failed to reset classifier: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteClassifier(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM classifiers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete classifier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
