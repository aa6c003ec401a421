package app

import (
	"fmt"
	"net/http"
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

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, details)
}

// Read and write denials carry distinct codes so callers see the correct
// denial reason; a rejected write is never downgraded to read-only.
func readForbiddenError() *DomainError {
	return domainError(http.StatusForbidden, "READ_FORBIDDEN", "You do not have access to this storyboard", nil)
}

func writeForbiddenError(message string) *DomainError {
	return domainError(http.StatusForbidden, "WRITE_FORBIDDEN", message, nil)
}

func conflictError(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}
