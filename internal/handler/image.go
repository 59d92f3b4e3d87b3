package handler

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"image-classifier/internal/catalog"
	"image-classifier/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	linkExpiry      = 15 * time.Minute
)

type ImageResponse struct {
	models.Image
	DownloadURL string `json:"download_url,omitempty"`
}

type ImageListResponse struct {
	Images []models.Image `json:"images"`
	Total  int            `json:"total"`
	Skip   int            `json:"skip"`
	Limit  int            `json:"limit"`
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + key + " parameter"})
		return 0, false
	}
	return n, true
}

// listQuery reads search, sort_by, sort_order, skip and limit. sort_by must be
// one of sortFields and defaults to created_at.
func listQuery(c *gin.Context, sortFields ...string) (models.ListQuery, bool) {
	q := models.ListQuery{
		Search:    c.Query("search"),
		SortBy:    c.DefaultQuery("sort_by", "created_at"),
		SortOrder: c.DefaultQuery("sort_order", "desc"),
	}
	if !slices.Contains(sortFields, q.SortBy) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sort_by must be one of " + strings.Join(sortFields, ", ")})
		return q, false
	}
	if q.SortOrder != "asc" && q.SortOrder != "desc" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sort_order must be asc or desc"})
		return q, false
	}
	var ok bool
	if q.Skip, ok = queryInt(c, "skip", 0); !ok {
		return q, false
	}
	if q.Limit, ok = queryInt(c, "limit", defaultPageSize); !ok {
		return q, false
	}
	if q.Limit == 0 || q.Limit > maxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return q, false
	}
	return q, true
}

func (h *Handler) ListImages(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "dataset")
	if !ok {
		return
	}
	lq, ok := listQuery(c, "name", "label", "created_at")
	if !ok {
		return
	}
	q := models.ImageQuery(lq)

	images, total, err := h.catalog.ListImages(c.Request.Context(), ownerID, id, q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ImageListResponse{Images: images, Total: total, Skip: q.Skip, Limit: q.Limit})
}

func (h *Handler) GetImage(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "image")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	img, err := h.catalog.GetImage(ctx, ownerID, id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := ImageResponse{Image: *img}
	if h.linker != nil {
		url, err := h.linker.Link(ctx, img.FilePath, linkExpiry)
		if err != nil {
			h.logger.Warn("failed to presign image link", zap.String("image_id", img.ID.String()), zap.Error(err))
		} else {
			resp.DownloadURL = url
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) UpdateImage(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "image")
	if !ok {
		return
	}
	var req catalog.ImageUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	img, err := h.catalog.UpdateImage(c.Request.Context(), ownerID, id, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, img)
}

func (h *Handler) DeleteImage(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "image")
	if !ok {
		return
	}
	if err := h.catalog.DeleteImage(c.Request.Context(), ownerID, id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
