package handlers

import (
	"errors"
	"net/http"

	"yldr-backend/internal/repository"
	"yldr-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// RelayerHandlers serves the relayer callback surface: route progress facts
// and the deposit finish trigger.
type RelayerHandlers struct {
	progress *services.ProgressService
	deposits *services.DepositSettlementService
}

func NewRelayerHandlers(progress *services.ProgressService, deposits *services.DepositSettlementService) *RelayerHandlers {
	return &RelayerHandlers{progress: progress, deposits: deposits}
}

// Progress attaches discovered route facts to a deposit intent.
// POST /api/relayer/progress
func (h *RelayerHandlers) Progress(c *gin.Context) {
	var req services.ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	intent, err := h.progress.Attach(c.Request.Context(), &req)
	if err != nil {
		var missing *services.MissingFieldError
		var mismatch *services.DestinationMismatchError
		var immutable *repository.ImmutableFieldError
		switch {
		case errors.As(err, &missing), errors.As(err, &mismatch), errors.As(err, &immutable):
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
		case errors.Is(err, services.ErrSenderMismatch):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"ok": false, "error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "status": intent.Status})
}

// Finish triggers (or resumes) settlement of one deposit intent.
// POST /api/relayer/finish
func (h *RelayerHandlers) Finish(c *gin.Context) {
	var req services.DepositFinishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	result, err := h.deposits.Finish(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	switch {
	case result.Processing:
		c.JSON(http.StatusAccepted, gin.H{
			"ok":         true,
			"processing": true,
			"reason":     result.Reason,
			"status":     result.Status,
		})
	case result.Already:
		c.JSON(http.StatusOK, gin.H{"ok": true, "already": true, "status": result.Status})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": result.Status})
	}
}
