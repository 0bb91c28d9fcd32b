package app

import (
	"fmt"
	"net/http"
)

const (
	codeInvalidRequest   = "INVALID_REQUEST"
	codeVerticalNotFound = "VERTICAL_NOT_FOUND"
	codeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	codeStoreUnavailable = "STORE_UNAVAILABLE"
	codeStoreContention  = "STORE_CONTENTION"
	codeHistoryDisabled  = "HISTORY_DISABLED"
	codeServerError      = "SERVER_ERROR"
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

func invalidRequest(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, codeInvalidRequest, message, details)
}

func verticalNotFound(vertical string) *DomainError {
	return domainError(http.StatusNotFound, codeVerticalNotFound, "Vertical not found", map[string]any{"vertical": vertical})
}
