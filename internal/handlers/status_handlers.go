package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"yldr-backend/internal/repository"
	"yldr-backend/internal/utils"

	"github.com/gin-gonic/gin"
)

// StatusHandlers serves the read-only polling surface consumed by the UI.
// Rows are returned as stored; status strings and field names are part of
// the polling contract.
type StatusHandlers struct {
	depositRepo  repository.DepositIntentRepository
	withdrawRepo repository.WithdrawIntentRepository
}

func NewStatusHandlers(depositRepo repository.DepositIntentRepository, withdrawRepo repository.WithdrawIntentRepository) *StatusHandlers {
	return &StatusHandlers{depositRepo: depositRepo, withdrawRepo: withdrawRepo}
}

// DepositStatus returns one deposit intent by refId.
// GET /api/deposits/status/:refId
func (h *StatusHandlers) DepositStatus(c *gin.Context) {
	refID := c.Param("refId")
	if !utils.IsBytes32(refID) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "refId must be a 32-byte hex value"})
		return
	}

	intent, err := h.depositRepo.GetByRefID(c.Request.Context(), refID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "intent not found", "refId": refID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "intent": intent})
}

// WithdrawStatus returns one withdraw intent by refId.
// GET /api/withdraw/status/:refId
func (h *StatusHandlers) WithdrawStatus(c *gin.Context) {
	refID := c.Param("refId")
	if !utils.IsBytes32(refID) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "refId must be a 32-byte hex value"})
		return
	}

	intent, err := h.withdrawRepo.GetByRefID(c.Request.Context(), refID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "intent not found", "refId": refID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "intent": intent})
}

// PendingDeposits lists a user's non-terminal deposit intents.
// GET /api/deposits/pending?user=0x...&limit=20
func (h *StatusHandlers) PendingDeposits(c *gin.Context) {
	user := c.Query("user")
	if !utils.IsAddress(user) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "user must be a 20-byte hex address"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	intents, err := h.depositRepo.ListPendingByUser(c.Request.Context(), user, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "intents": intents, "count": len(intents)})
}

// PendingWithdrawals lists a user's non-terminal withdraw intents.
// GET /api/withdraw/pending?user=0x...&limit=20
func (h *StatusHandlers) PendingWithdrawals(c *gin.Context) {
	user := c.Query("user")
	if !utils.IsAddress(user) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "user must be a 20-byte hex address"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	intents, err := h.withdrawRepo.ListPendingByUser(c.Request.Context(), user, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "intents": intents, "count": len(intents)})
}
