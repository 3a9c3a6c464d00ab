package app

import (
	"errors"
	"fmt"
	"net/http"

	"workweave/api/internal/apperr"
)

// DomainError is an error already shaped for the API. It bypasses the
// apperr mapping.
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

// mapError turns an error into the status and payload fields written to
// the client. Transport failures hide the upstream message.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch apperr.KindOf(err) {
	case apperr.KindConfiguration:
		return http.StatusPreconditionFailed, "CONFIGURATION_ERROR", err.Error(), nil
	case apperr.KindTransport:
		var appErr *apperr.Error
		errors.As(err, &appErr)
		return http.StatusBadGateway, "TRANSPORT_ERROR", "Upstream service failed", map[string]any{"op": appErr.Op}
	case apperr.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
