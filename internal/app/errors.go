package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/Idosegev23/internalMettingLeaders/internal/auth"
	"github.com/Idosegev23/internalMettingLeaders/internal/drafts"
	"github.com/Idosegev23/internalMettingLeaders/internal/syncclient"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError turns a service error into the response envelope. Unknown errors
// become a 500 without leaking their text.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *drafts.ValidationError
	if errors.As(err, &validation) {
		var fields any
		if len(validation.Fields) > 0 {
			fields = validation.Fields
		}
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Message, fields
	}
	switch {
	case errors.Is(err, drafts.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, drafts.ErrExternalDeliveryFailed):
		return http.StatusBadGateway, "DELIVERY_FAILED", "Submission could not be delivered", nil
	case errors.Is(err, drafts.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Draft store unavailable", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, syncclient.ErrNotBound):
		return http.StatusConflict, "NOT_BOUND", "No draft is open", nil
	case errors.Is(err, syncclient.ErrBusy):
		return http.StatusConflict, "ALREADY_OPEN", "A draft is already open", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
