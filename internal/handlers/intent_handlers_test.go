package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"yldr-backend/internal/repository"
	"yldr-backend/internal/services"
)

func TestAdmissionErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&services.MissingFieldError{Field: "user"}, http.StatusBadRequest, "MISSING_FIELD"},
		{fmt.Errorf("admit: %w", &services.MissingFieldError{Field: "salt"}), http.StatusBadRequest, "MISSING_FIELD"},
		{services.ErrUnsupportedChain, http.StatusBadRequest, "UNSUPPORTED_CHAIN"},
		{services.ErrIntentExpired, http.StatusUnauthorized, "INTENT_EXPIRED"},
		{services.ErrSignatureMismatch, http.StatusUnauthorized, "SIGNATURE_MISMATCH"},
		{repository.ErrDuplicateRef, http.StatusConflict, "DUPLICATE_REF"},
		{repository.ErrSignatureReused, http.StatusConflict, "SIGNATURE_REUSED"},
		{errors.New("db down"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tc := range cases {
		status, code := admissionErrorStatus(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("admissionErrorStatus(%v) = %d %q, want %d %q", tc.err, status, code, tc.status, tc.code)
		}
	}
}
