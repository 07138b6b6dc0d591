package app

import (
	"errors"
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

var (
	ErrReviewerRequired = errors.New("Please assign a reviewer before marking as review ready")
	ErrSessionNotOpen   = errors.New("no editing session for this section")
)

var errSectionNotFound = domainError(http.StatusNotFound, "NOT_FOUND", "section not found", nil)
