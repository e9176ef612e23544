package group

import (
	"net/http"

	"esign-workflow/internal/audit"
	"esign-workflow/internal/errors"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

type CreateRequest struct {
	Title string `json:"title" binding:"required,min=1,max=255"`
}

type AddItemRequest struct {
	VersionID string `json:"version_id" binding:"required"`
}

type ReorderRequest struct {
	ItemIDs []string `json:"item_ids" binding:"required"`
}

func (h *Handler) Create(c *gin.Context) {
	var form CreateRequest
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	g, err := h.service.CreateGroup(c.Request.Context(), c.GetString("owner_id"), form.Title)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, g)
}

func (h *Handler) List(c *gin.Context) {
	groups, err := h.service.ListGroups(c.Request.Context(), c.GetString("owner_id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": groups})
}

func (h *Handler) Show(c *gin.Context) {
	g, err := h.service.GetGroup(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, g)
}

func (h *Handler) AddItem(c *gin.Context) {
	var form AddItemRequest
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	item, err := h.service.AddItem(c.Request.Context(), c.GetString("owner_id"), c.Param("id"), form.VersionID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, item)
}

func (h *Handler) Reorder(c *gin.Context) {
	var form ReorderRequest
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	g, err := h.service.Reorder(c.Request.Context(), c.GetString("owner_id"), c.Param("id"), form.ItemIDs)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, g)
}

func (h *Handler) LockItem(c *gin.Context) {
	item, err := h.service.LockItem(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, item)
}

func (h *Handler) DeleteItem(c *gin.Context) {
	if err := h.service.DeleteItem(c.Request.Context(), c.GetString("owner_id"), c.Param("id")); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) Lock(c *gin.Context) {
	g, err := h.service.LockGroup(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, g)
}

func (h *Handler) CreateSession(c *gin.Context) {
	var form SessionRequest
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	sess, err := h.service.CreateSession(c.Request.Context(), c.GetString("owner_id"), c.Param("id"), form)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) RevokeSession(c *gin.Context) {
	sess, err := h.service.RevokeSession(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sess)
}

func (h *Handler) Export(c *gin.Context) {
	bundle, err := h.service.ExportGroup(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, bundle)
}

func (h *Handler) VerifyBundle(c *gin.Context) {
	var bundle audit.GroupBundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	report, err := audit.VerifyGroupBundle(&bundle)
	if err != nil {
		c.Error(errors.Validation(err.Error()))
		return
	}

	c.JSON(http.StatusOK, report)
}

// NextStep and Advance are public; the session token is the credential.
func (h *Handler) NextStep(c *gin.Context) {
	step, err := h.service.NextStep(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, step)
}

func (h *Handler) Advance(c *gin.Context) {
	var form AdvanceRequest
	// an empty body is a plain advance
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&form); err != nil {
			c.Error(errors.NewValidationError(err))
			return
		}
	}

	step, err := h.service.Advance(c.Request.Context(), c.Param("token"), form)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, step)
}
