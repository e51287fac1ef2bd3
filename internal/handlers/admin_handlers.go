package handlers

import (
	"errors"
	"net/http"

	"yldr-backend/internal/repository"
	"yldr-backend/internal/services"
	"yldr-backend/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminHandlers serves the operator escape hatches behind admin auth.
type AdminHandlers struct {
	depositRepo  repository.DepositIntentRepository
	withdrawRepo repository.WithdrawIntentRepository
	staleRetry   *services.StaleRetryService
}

func NewAdminHandlers(depositRepo repository.DepositIntentRepository, withdrawRepo repository.WithdrawIntentRepository, staleRetry *services.StaleRetryService) *AdminHandlers {
	return &AdminHandlers{
		depositRepo:  depositRepo,
		withdrawRepo: withdrawRepo,
		staleRetry:   staleRetry,
	}
}

// ForceUnlock expires a stuck intent's lease so the next finish call can
// claim it. Does not touch status or recorded facts.
// POST /api/admin/intents/:kind/:refId/force-unlock
func (h *AdminHandlers) ForceUnlock(c *gin.Context) {
	kind := c.Param("kind")
	refID := c.Param("refId")
	if !utils.IsBytes32(refID) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "refId must be a 32-byte hex value"})
		return
	}

	var err error
	switch kind {
	case "deposit":
		err = h.depositRepo.ForceUnlock(c.Request.Context(), refID)
	case "withdraw":
		err = h.withdrawRepo.ForceUnlock(c.Request.Context(), refID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "kind must be deposit or withdraw"})
		return
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"ok": false, "error": err.Error()})
		return
	}

	logrus.WithFields(logrus.Fields{
		"admin":  c.GetString("admin_username"),
		"kind":   kind,
		"ref_id": refID,
	}).Warn("admin force-unlocked intent lease")
	c.JSON(http.StatusOK, gin.H{"ok": true, "refId": refID})
}

// RequeueStale triggers one stale-retry sweep immediately.
// POST /api/admin/requeue-stale
func (h *AdminHandlers) RequeueStale(c *gin.Context) {
	if h.staleRetry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "stale retry service not running"})
		return
	}

	go h.staleRetry.SweepNow()

	logrus.WithField("admin", c.GetString("admin_username")).Info("admin requeued stale intents")
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "message": "sweep started"})
}
