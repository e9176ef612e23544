package document

import (
	"net/http"

	"esign-workflow/internal/errors"
	"esign-workflow/internal/utils"

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

func (h *Handler) Create(c *gin.Context) {
	var form CreateRequest
	if err := c.ShouldBindJSON(&form); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	doc, err := h.service.CreateDocument(c.Request.Context(), c.GetString("owner_id"), form.Title)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, doc)
}

func (h *Handler) ShowOwnerDocuments(c *gin.Context) {
	page, pageSize := utils.GetPaginationParams(c)
	result, err := h.service.GetOwnerDocuments(c.Request.Context(), c.GetString("owner_id"), page, pageSize)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *Handler) ShowDocument(c *gin.Context) {
	doc, err := h.service.GetDocument(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

func (h *Handler) CreateVersion(c *gin.Context) {
	v, err := h.service.CreateVersion(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, v)
}

func (h *Handler) ShowVersion(c *gin.Context) {
	v, err := h.service.GetOwnedVersion(c.Request.Context(), c.Param("id"), c.GetString("owner_id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, v)
}

func (h *Handler) ShowRecipients(c *gin.Context) {
	recipients, err := h.service.AssignableRecipients(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"recipients": recipients})
}

func (h *Handler) AddField(c *gin.Context) {
	var input FieldInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	field, err := h.service.AddField(c.Request.Context(), c.GetString("owner_id"), c.Param("id"), input)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, field)
}

func (h *Handler) UpdateField(c *gin.Context) {
	var input FieldInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	field, err := h.service.UpdateField(c.Request.Context(), c.GetString("owner_id"), c.Param("id"), input)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, field)
}

func (h *Handler) MoveField(c *gin.Context) {
	var input MoveInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	field, err := h.service.MoveField(c.Request.Context(), c.GetString("owner_id"), c.Param("id"), input)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, field)
}

func (h *Handler) DeleteField(c *gin.Context) {
	if err := h.service.DeleteField(c.Request.Context(), c.GetString("owner_id"), c.Param("id")); err != nil {
		c.Error(err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handler) Lock(c *gin.Context) {
	v, err := h.service.Lock(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, v)
}
