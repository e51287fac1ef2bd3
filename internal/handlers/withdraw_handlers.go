package handlers

import (
	"errors"
	"net/http"

	"yldr-backend/internal/repository"
	"yldr-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// WithdrawHandlers serves the withdrawal finish trigger and the directly
// compensated variant.
type WithdrawHandlers struct {
	withdrawals *services.WithdrawSettlementService
}

func NewWithdrawHandlers(withdrawals *services.WithdrawSettlementService) *WithdrawHandlers {
	return &WithdrawHandlers{withdrawals: withdrawals}
}

type withdrawFinishRequest struct {
	RefID string `json:"refId" binding:"required"`
}

// Finish drives one admitted withdraw intent forward.
// POST /api/withdraw/finish
func (h *WithdrawHandlers) Finish(c *gin.Context) {
	var req withdrawFinishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	result, err := h.withdrawals.Finish(c.Request.Context(), req.RefID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
			return
		}
		var stage *services.WithdrawStageError
		if errors.As(err, &stage) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"ok":    false,
				"stage": stage.Stage,
				"error": stage.Err.Error(),
			})
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
			"refId":      req.RefID,
			"status":     result.Status,
		})
	case result.Already:
		c.JSON(http.StatusOK, gin.H{"ok": true, "already": true, "refId": req.RefID, "status": result.Status})
	default:
		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			"refId":     req.RefID,
			"status":    result.Status,
			"toTxHash":  result.ToTxHash,
			"amountOut": result.AmountOut,
		})
	}
}

// Direct runs the burn/redeem/bridge saga without a stored intent. Failures
// report the failed stage plus which compensations ran.
// POST /api/withdraw/direct
func (h *WithdrawHandlers) Direct(c *gin.Context) {
	var req services.DirectWithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	result, err := h.withdrawals.Direct(c.Request.Context(), &req)
	if err != nil {
		var stage *services.WithdrawStageError
		if errors.As(err, &stage) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"ok":          false,
				"stage":       stage.Stage,
				"error":       stage.Err.Error(),
				"compensated": stage.Compensated,
			})
			return
		}
		var missing *services.MissingFieldError
		if errors.As(err, &missing) {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"burnTxHash":   result.BurnTxHash,
		"safeExecHash": result.SafeExecHash,
		"bridgeTxHash": result.BridgeTxHash,
		"toAmount":     result.ToAmount,
		"receiver":     result.Receiver,
	})
}
