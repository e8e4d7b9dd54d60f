package app

import (
	"errors"
	"fmt"
	"net/http"

	"taskcollab/api/internal/auth"
	"taskcollab/api/internal/hub"
	"taskcollab/api/internal/operation"
	"taskcollab/api/internal/protocol"
	"taskcollab/api/internal/resolver"
	"taskcollab/api/internal/store"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var (
		lockErr    *resolver.LockConflictError
		overlapErr *resolver.OverlapConflictError
		staleErr   *resolver.StaleFieldVersionError
		rangeErr   *operation.RangeError
		valueErr   *operation.ValueError
		ownerErr   *hub.OwnedElsewhereError
	)
	switch {
	case errors.As(err, &lockErr):
		return http.StatusLocked, protocol.CodeLockConflict, err.Error(), protocol.ErrorDetails{Holder: lockErr.Holder}
	case errors.Is(err, resolver.ErrNotLockHolder):
		return http.StatusConflict, protocol.CodeNotLockHolder, err.Error(), nil
	case errors.As(err, &overlapErr):
		return http.StatusConflict, protocol.CodeOverlapConflict, err.Error(), protocol.ErrorDetails{Field: overlapErr.Field, ConflictingOp: overlapErr.ConflictingOp, CurrentVersion: overlapErr.CurrentVersion}
	case errors.As(err, &staleErr):
		return http.StatusConflict, protocol.CodeStaleFieldVersion, err.Error(), protocol.ErrorDetails{Field: staleErr.Field, BaseVersion: staleErr.BaseVersion, CurrentVersion: staleErr.CurrentVersion}
	case errors.As(err, &rangeErr):
		return http.StatusUnprocessableEntity, protocol.CodeInvalidRange, err.Error(), protocol.ErrorDetails{Field: rangeErr.Field, Start: rangeErr.Start, Length: rangeErr.Length, FieldLength: rangeErr.FieldLength}
	case errors.As(err, &valueErr):
		return http.StatusUnprocessableEntity, protocol.CodeInvalidValue, err.Error(), protocol.ErrorDetails{Field: valueErr.Field}
	case errors.Is(err, operation.ErrInvalidRange):
		return http.StatusUnprocessableEntity, protocol.CodeInvalidRange, err.Error(), nil
	case errors.Is(err, operation.ErrInvalidValue):
		return http.StatusUnprocessableEntity, protocol.CodeInvalidValue, err.Error(), nil
	case errors.As(err, &ownerErr):
		return http.StatusConflict, protocol.CodeOwnedElsewhere, err.Error(), protocol.ErrorDetails{Node: ownerErr.Node}
	case errors.Is(err, hub.ErrNotEditing):
		return http.StatusNotFound, protocol.CodeNotEditing, "No editing session for this task", nil
	case errors.Is(err, store.ErrTaskNotFound):
		return http.StatusNotFound, protocol.CodeTaskNotFound, "Task not found", nil
	case errors.Is(err, hub.ErrForbidden):
		return http.StatusForbidden, protocol.CodeForbidden, "Forbidden", nil
	case errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, protocol.CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, protocol.CodeServerError, "Server error", nil
}
