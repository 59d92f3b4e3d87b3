package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"image-classifier/internal/ingest"

	"github.com/gin-gonic/gin"
)

// multipartOverhead is the slack allowed on top of the file limit for the
// multipart envelope and the small form fields next to it.
const multipartOverhead = 1 << 20

// readUpload reads a multipart file of at most limit bytes.
func readUpload(file multipart.File, limit int64, tooLarge error) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, tooLarge
	}
	return data, nil
}

// formFile returns the named multipart file, mapping an oversized body to tooLarge.
func formFile(c *gin.Context, field string, tooLarge error) (multipart.File, *multipart.FileHeader, error) {
	file, header, err := c.Request.FormFile(field)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, nil, tooLarge
		}
		return nil, nil, err
	}
	return file, header, nil
}

// UploadArchive is the bulk ingestion entrypoint: a ZIP of images plus an
// optional CSV or JSON label file.
func (h *Handler) UploadArchive(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "dataset")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.catalog.OwnedDataset(ctx, ownerID, id); err != nil {
		h.writeError(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxArchive+multipartOverhead)

	file, _, err := formFile(c, "archive", ingest.ErrArchiveTooLarge)
	if errors.Is(err, ingest.ErrArchiveTooLarge) {
		h.writeError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to get archive from request"})
		return
	}
	defer file.Close()

	archive, err := readUpload(file, h.maxArchive, ingest.ErrArchiveTooLarge)
	if err != nil {
		h.writeError(c, err)
		return
	}

	labels, err := h.labelsFromForm(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	report, err := h.pipeline.Ingest(ctx, id, archive, labels)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// labelsFromForm parses the optional "labels" file according to
// "labeling_mode". A missing file or mode "none" yields no labels.
func (h *Handler) labelsFromForm(c *gin.Context) (*ingest.LabelMap, error) {
	mode, err := ingest.ParseLabelMode(c.PostForm("labeling_mode"))
	if err != nil {
		return nil, err
	}
	if mode == ingest.LabelModeNone {
		return nil, nil
	}

	file, _, err := formFile(c, "labels", ingest.ErrArchiveTooLarge)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data, err := readUpload(file, h.maxArchive, ingest.ErrArchiveTooLarge)
	if err != nil {
		return nil, err
	}
	return ingest.ParseLabels(data, mode)
}

// UploadImage adds one image through the same path as archive entries.
func (h *Handler) UploadImage(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "dataset")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.catalog.OwnedDataset(ctx, ownerID, id); err != nil {
		h.writeError(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxArchive+multipartOverhead)

	file, header, err := formFile(c, "image", ingest.ErrImageTooLarge)
	if errors.Is(err, ingest.ErrImageTooLarge) {
		h.writeError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to get file from request"})
		return
	}
	defer file.Close()

	data, err := readUpload(file, h.maxArchive, ingest.ErrImageTooLarge)
	if err != nil {
		h.writeError(c, err)
		return
	}

	var label *string
	if l := strings.TrimSpace(c.PostForm("label")); l != "" {
		label = &l
	}

	img, err := h.pipeline.IngestOne(ctx, id, header.Filename, data, label)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, img)
}

type ApplyLabelsRequest struct {
	Labels []ingest.LabelAssignment `json:"labels" binding:"required,dive"`
}

// ApplyLabels relabels existing images of the dataset by name.
func (h *Handler) ApplyLabels(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "dataset")
	if !ok {
		return
	}
	var req ApplyLabelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.catalog.OwnedDataset(ctx, ownerID, id); err != nil {
		h.writeError(c, err)
		return
	}
	report, err := h.pipeline.ApplyLabels(ctx, id, req.Labels)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
