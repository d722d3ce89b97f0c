package app

import (
	"errors"
	"fmt"
	"net/http"

	"doreen/api/internal/apperr"
	"doreen/api/internal/auth"
	"doreen/api/internal/authpw"
	"doreen/api/internal/session"
)

// DomainError is an error that already knows its HTTP rendering.
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

// mapError picks the envelope for err. Messages of client errors are passed
// through; everything else is reported generically.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, apperr.ErrInvalidFilter):
		return http.StatusBadRequest, "INVALID_FILTER", err.Error(), nil
	case errors.Is(err, apperr.ErrInvalidValue):
		return http.StatusBadRequest, "INVALID_VALUE", err.Error(), nil
	case errors.Is(err, apperr.ErrNotAuthorized):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials), errors.Is(err, authpw.ErrLoginDisabled):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
