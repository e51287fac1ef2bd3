package handlers

import (
	"errors"
	"net/http"

	"yldr-backend/internal/repository"
	"yldr-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// IntentHandlers serves intent admission for both directions.
type IntentHandlers struct {
	admission *services.AdmissionService
}

func NewIntentHandlers(admission *services.AdmissionService) *IntentHandlers {
	return &IntentHandlers{admission: admission}
}

type createDepositIntentRequest struct {
	Intent    services.DepositIntentRequest `json:"intent" binding:"required"`
	Signature string                        `json:"signature" binding:"required"`
}

type createWithdrawIntentRequest struct {
	Intent    services.WithdrawIntentRequest `json:"intent" binding:"required"`
	Signature string                         `json:"signature" binding:"required"`
}

// CreateDepositIntent admits a signed deposit intent.
// POST /api/deposits/create-intent
func (h *IntentHandlers) CreateDepositIntent(c *gin.Context) {
	var req createDepositIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	intent, err := h.admission.AdmitDeposit(c.Request.Context(), &req.Intent, req.Signature)
	if err != nil {
		status, code := admissionErrorStatus(err)
		c.JSON(status, gin.H{"ok": false, "error": err.Error(), "code": code})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"refId":       intent.RefID,
		"digest":      intent.Digest,
		"intentToken": intent.IntentToken,
	})
}

// CreateWithdrawIntent admits a signed withdraw intent.
// POST /api/withdraw/create-intent
func (h *IntentHandlers) CreateWithdrawIntent(c *gin.Context) {
	var req createWithdrawIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	intent, err := h.admission.AdmitWithdraw(c.Request.Context(), &req.Intent, req.Signature)
	if err != nil {
		status, code := admissionErrorStatus(err)
		c.JSON(status, gin.H{"ok": false, "error": err.Error(), "code": code})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":     true,
		"refId":  intent.RefID,
		"digest": intent.Digest,
	})
}

// admissionErrorStatus maps admission failures onto the HTTP contract:
// malformed input 400, expiry and signature mismatch 401, replay 409.
func admissionErrorStatus(err error) (int, string) {
	var missing *services.MissingFieldError
	switch {
	case errors.As(err, &missing):
		return http.StatusBadRequest, "MISSING_FIELD"
	case errors.Is(err, services.ErrUnsupportedChain):
		return http.StatusBadRequest, "UNSUPPORTED_CHAIN"
	case errors.Is(err, services.ErrIntentExpired):
		return http.StatusUnauthorized, "INTENT_EXPIRED"
	case errors.Is(err, services.ErrSignatureMismatch):
		return http.StatusUnauthorized, "SIGNATURE_MISMATCH"
	case errors.Is(err, repository.ErrDuplicateRef):
		return http.StatusConflict, "DUPLICATE_REF"
	case errors.Is(err, repository.ErrSignatureReused):
		return http.StatusConflict, "SIGNATURE_REUSED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
