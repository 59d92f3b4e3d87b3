package handler

import (
	"errors"
	"net/http"
	"strconv"

	"image-classifier/internal/catalog"
	"image-classifier/internal/models"
	"image-classifier/internal/repository"
	"image-classifier/internal/training"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type CreateClassifierRequest struct {
	Name            string         `json:"name" binding:"required"`
	Description     *string        `json:"description"`
	DatasetName     string         `json:"dataset_name" binding:"required"`
	Architecture    string         `json:"architecture" binding:"required"`
	ModelParameters map[string]any `json:"model_parameters"`
}

type ArchitectureInfo struct {
	Name      string `json:"name"`
	ImageSize []int  `json:"image_size"`
}

func (h *Handler) ListArchitectures(c *gin.Context) {
	archs := training.Architectures()
	out := make([]ArchitectureInfo, 0, len(archs))
	for _, a := range archs {
		out = append(out, ArchitectureInfo{Name: string(a), ImageSize: []int{a.Resolution(), a.Resolution()}})
	}
	c.JSON(http.StatusOK, out)
}

// CreateClassifier is the classifier creation entrypoint. The response is
// returned as soon as the row exists; training runs on the workers.
func (h *Handler) CreateClassifier(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	var req CreateClassifierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	classifier, err := h.orchestrator.CreateClassifier(c.Request.Context(), training.CreateRequest{
		OwnerID:      ownerID,
		DatasetName:  req.DatasetName,
		Name:         req.Name,
		Description:  req.Description,
		Architecture: req.Architecture,
		Parameters:   req.ModelParameters,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, classifier)
}

type ClassifierListResponse struct {
	Classifiers []models.Classifier `json:"classifiers"`
	Total       int                 `json:"total"`
	Skip        int                 `json:"skip"`
	Limit       int                 `json:"limit"`
}

func (h *Handler) ListClassifiers(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	q, ok := listQuery(c, "name", "created_at", "status")
	if !ok {
		return
	}
	list, total, err := h.orchestrator.List(c.Request.Context(), ownerID, q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if list == nil {
		list = []models.Classifier{}
	}
	c.JSON(http.StatusOK, ClassifierListResponse{Classifiers: list, Total: total, Skip: q.Skip, Limit: q.Limit})
}

// ownedClassifier loads the classifier at :id and checks the caller owns it.
func (h *Handler) ownedClassifier(c *gin.Context) (*models.Classifier, bool) {
	ownerID, ok := owner(c)
	if !ok {
		return nil, false
	}
	id, ok := pathID(c, "classifier")
	if !ok {
		return nil, false
	}
	classifier, err := h.classifiers.GetClassifier(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		err = training.ErrClassifierNotFound
	}
	if err == nil && classifier.OwnerID != ownerID {
		err = catalog.ErrForbidden
	}
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return classifier, true
}

func (h *Handler) GetClassifier(c *gin.Context) {
	classifier, ok := h.ownedClassifier(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, classifier)
}

// GetClassifierDetail is the classifier with its dataset's name.
func (h *Handler) GetClassifierDetail(c *gin.Context) {
	classifier, ok := h.ownedClassifier(c)
	if !ok {
		return
	}
	detail, err := h.orchestrator.Detail(c.Request.Context(), classifier)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) UpdateClassifier(c *gin.Context) {
	classifier, ok := h.ownedClassifier(c)
	if !ok {
		return
	}
	var req training.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := h.orchestrator.Update(c.Request.Context(), classifier, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) DeleteClassifier(c *gin.Context) {
	classifier, ok := h.ownedClassifier(c)
	if !ok {
		return
	}
	if err := h.orchestrator.Delete(c.Request.Context(), classifier.ID); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RetryClassifier re-dispatches a failed classifier. ?force=true also
// re-dispatches one stuck in training.
func (h *Handler) RetryClassifier(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid classifier ID format"})
		return
	}
	force, _ := strconv.ParseBool(c.DefaultQuery("force", "false"))

	classifier, err := h.orchestrator.Retry(c.Request.Context(), id, force)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, classifier)
}
