package signing

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

func (h *Handler) Issue(c *gin.Context) {
	var input IssueRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	token, err := h.service.Issue(c.Request.Context(), c.GetString("owner_id"), c.Param("id"), input)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, token)
}

func (h *Handler) Revoke(c *gin.Context) {
	token, err := h.service.Revoke(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, token)
}

// Resolve is public: the token in the path is the only credential.
func (h *Handler) Resolve(c *gin.Context) {
	res, err := h.service.Resolve(c.Request.Context(), c.Param("token"))
	if err != nil {
		c.Error(err)
		return
	}
	if res.Reason != ReasonOK {
		var ids []string
		if res.TokenID != "" {
			ids = append(ids, res.TokenID)
		}
		c.Error(errors.TokenRejected(res.Reason, ids...))
		return
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) Submit(c *gin.Context) {
	var input SubmitInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}
	input.IPAddress = c.ClientIP()
	input.UserAgent = c.Request.UserAgent()

	result, err := h.service.Submit(c.Request.Context(), c.Param("token"), input)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (h *Handler) VerifyEvent(c *gin.Context) {
	report, err := h.service.VerifyEvent(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": report.Valid(), "report": report})
}

func (h *Handler) Export(c *gin.Context) {
	bundle, err := h.service.ExportVersion(c.Request.Context(), c.GetString("owner_id"), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, bundle)
}

// VerifyBundle checks an exported bundle offline; nothing is read from storage.
func (h *Handler) VerifyBundle(c *gin.Context) {
	var bundle audit.Bundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		c.Error(errors.NewValidationError(err))
		return
	}

	report, err := audit.VerifyBundle(&bundle)
	if err != nil {
		c.Error(errors.Validation(err.Error()))
		return
	}

	c.JSON(http.StatusOK, report)
}
