package handler

import (
	"net/http"

	"image-classifier/internal/catalog"

	"github.com/gin-gonic/gin"
)

type CreateDatasetRequest struct {
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
	IsPublic    bool    `json:"is_public"`
}

func (h *Handler) CreateDataset(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	var req CreateDatasetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.catalog.CreateDataset(c.Request.Context(), ownerID, req.Name, req.Description, req.IsPublic)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, catalog.DatasetView{Dataset: *d})
}

type DatasetListResponse struct {
	Datasets []catalog.DatasetView `json:"datasets"`
	Total    int                   `json:"total"`
	Skip     int                   `json:"skip"`
	Limit    int                   `json:"limit"`
}

func (h *Handler) ListDatasets(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	q, ok := listQuery(c, "name", "created_at", "image_count", "category_count", "is_public")
	if !ok {
		return
	}
	views, total, err := h.catalog.ListDatasets(c.Request.Context(), ownerID, q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, DatasetListResponse{Datasets: views, Total: total, Skip: q.Skip, Limit: q.Limit})
}

func (h *Handler) GetDataset(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "dataset")
	if !ok {
		return
	}
	view, err := h.catalog.GetDataset(c.Request.Context(), ownerID, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) UpdateDataset(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "dataset")
	if !ok {
		return
	}
	var req catalog.DatasetUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.catalog.UpdateDataset(c.Request.Context(), ownerID, id, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteDataset(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "dataset")
	if !ok {
		return
	}
	if err := h.catalog.DeleteDataset(c.Request.Context(), ownerID, id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetCounts(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "dataset")
	if !ok {
		return
	}
	counts, err := h.catalog.Counts(c.Request.Context(), ownerID, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *Handler) GetLabelDetails(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "dataset")
	if !ok {
		return
	}
	details, err := h.catalog.LabelDetails(c.Request.Context(), ownerID, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}
