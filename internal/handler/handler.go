// Package handler exposes the dataset, image and classifier operations over
// HTTP with gin.
package handler

import (
	"errors"
	"net/http"
	"time"

	"image-classifier/internal/catalog"
	"image-classifier/internal/ingest"
	"image-classifier/internal/repository"
	"image-classifier/internal/storage"
	"image-classifier/internal/training"
	"image-classifier/pkg/security"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	catalog      *catalog.Service
	pipeline     *ingest.Pipeline
	orchestrator *training.Orchestrator
	classifiers  repository.ClassifierRepository
	linker       storage.Linker
	maxArchive   int64
	logger       *zap.Logger
}

// NewHandler wires the services behind the API. Download links are only
// offered when blobs can presign URLs.
func NewHandler(cat *catalog.Service, pipeline *ingest.Pipeline, orchestrator *training.Orchestrator,
	classifiers repository.ClassifierRepository, blobs storage.BlobStore, maxArchiveBytes int64, logger *zap.Logger) *Handler {
	linker, _ := blobs.(storage.Linker)
	return &Handler{
		catalog:      cat,
		pipeline:     pipeline,
		orchestrator: orchestrator,
		classifiers:  classifiers,
		linker:       linker,
		maxArchive:   maxArchiveBytes,
		logger:       logger,
	}
}

// Register mounts the API on r, which must already authenticate callers.
func (h *Handler) Register(r gin.IRouter) {
	datasets := r.Group("/datasets")
	datasets.POST("", h.CreateDataset)
	datasets.GET("", h.ListDatasets)
	datasets.GET("/:id", h.GetDataset)
	datasets.PATCH("/:id", h.UpdateDataset)
	datasets.DELETE("/:id", h.DeleteDataset)
	datasets.GET("/:id/counts", h.GetCounts)
	datasets.GET("/:id/label-details", h.GetLabelDetails)
	datasets.POST("/:id/upload", h.UploadArchive)
	datasets.POST("/:id/images", h.UploadImage)
	datasets.GET("/:id/images", h.ListImages)
	datasets.POST("/:id/labels", h.ApplyLabels)

	images := r.Group("/images")
	images.GET("/:id", h.GetImage)
	images.PATCH("/:id", h.UpdateImage)
	images.DELETE("/:id", h.DeleteImage)

	classifiers := r.Group("/classifiers")
	classifiers.GET("/architectures", h.ListArchitectures)
	classifiers.POST("", h.CreateClassifier)
	classifiers.GET("", h.ListClassifiers)
	classifiers.GET("/:id", h.GetClassifier)
	classifiers.GET("/:id/detail", h.GetClassifierDetail)
	classifiers.PATCH("/:id", h.UpdateClassifier)
	classifiers.DELETE("/:id", h.DeleteClassifier)
	classifiers.POST("/:id/retry", security.RequireRole(security.RoleAdmin), h.RetryClassifier)
}

// owner returns the caller's subject, aborting with 401 when there is none.
func owner(c *gin.Context) (string, bool) {
	p, ok := security.PrincipalFrom(c)
	if !ok || p.Subject == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return "", false
	}
	return p.Subject, true
}

func pathID(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + what + " ID format"})
		return uuid.Nil, false
	}
	return id, true
}

var statusByError = []struct {
	err    error
	status int
}{
	{catalog.ErrForbidden, http.StatusForbidden},
	{catalog.ErrDatasetNotFound, http.StatusNotFound},
	{catalog.ErrImageNotFound, http.StatusNotFound},
	{training.ErrDatasetNotFound, http.StatusNotFound},
	{training.ErrClassifierNotFound, http.StatusNotFound},
	{catalog.ErrNameTaken, http.StatusConflict},
	{training.ErrNameTaken, http.StatusConflict},
	{training.ErrAlreadyTraining, http.StatusConflict},
	{training.ErrNotRetryable, http.StatusConflict},
	{ingest.ErrDuplicateImage, http.StatusConflict},
	{ingest.ErrArchiveTooLarge, http.StatusRequestEntityTooLarge},
	{ingest.ErrImageTooLarge, http.StatusRequestEntityTooLarge},
	{catalog.ErrInvalidName, http.StatusBadRequest},
	{training.ErrInvalidName, http.StatusBadRequest},
	{ingest.ErrInvalidArchive, http.StatusBadRequest},
	{ingest.ErrNoImages, http.StatusBadRequest},
	{ingest.ErrTooManyEntries, http.StatusBadRequest},
	{ingest.ErrInvalidLabels, http.StatusBadRequest},
	{ingest.ErrUnsupportedType, http.StatusBadRequest},
	{ingest.ErrInvalidImage, http.StatusBadRequest},
	{training.ErrInvalidArchitecture, http.StatusBadRequest},
	{training.ErrInvalidParameters, http.StatusBadRequest},
}

// writeError maps service errors to a status and a gin.H{"error"} body.
// Anything unrecognised is logged and reported as a 500.
func (h *Handler) writeError(c *gin.Context, err error) {
	for _, m := range statusByError {
		if errors.Is(err, m.err) {
			c.JSON(m.status, gin.H{"error": err.Error()})
			return
		}
	}
	h.logger.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// RequestLogger logs one line per request after it has been served.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request served", fields...)
			return
		}
		logger.Info("request served", fields...)
	}
}
