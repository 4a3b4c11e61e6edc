package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/admission-engine/internal/limiter"
	"github.com/aman-churiwal/admission-engine/internal/tierchange"
)

type TierChangeHandler struct {
	handler *tierchange.Handler
}

func NewTierChangeHandler(handler *tierchange.Handler) *TierChangeHandler {
	return &TierChangeHandler{handler: handler}
}

// Ingests one tier change event from the subscription side. A rejected
// event is surfaced with its error code so the emitter can retry or alert.
func (h *TierChangeHandler) Ingest(c *gin.Context) {
	var event tierchange.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     err.Error(),
			"errorCode": string(limiter.CodeValidationError),
		})
		return
	}

	entry, err := h.handler.Handle(c.Request.Context(), event)
	if err != nil {
		status := http.StatusBadRequest
		var ae *limiter.AdmissionError
		if errors.As(err, &ae) && ae.Code == limiter.CodeTierChangeError {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"error":     err.Error(),
			"errorCode": string(limiter.CodeOf(err)),
		})
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// Returns the audit trail for a user
func (h *TierChangeHandler) History(c *gin.Context) {
	userID := c.Param("userId")

	entries, err := h.handler.History(c.Request.Context(), userID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     err.Error(),
			"errorCode": string(limiter.CodeOf(err)),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "changes": entries})
}
