package app

import (
	"errors"
	"fmt"
	"net/http"

	"coedit/api/internal/access"
	"coedit/api/internal/auth"
	"coedit/api/internal/blob"
	"coedit/api/internal/collab"
	"coedit/api/internal/gitrepo"
	"coedit/api/internal/store"
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

var errFeatureDisabled = domainError(http.StatusNotImplemented, "FEATURE_DISABLED", "Feature is not configured", nil)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrDocumentNotFound):
		return http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found", nil
	case errors.Is(err, access.ErrNotCollaborator):
		return http.StatusForbidden, "NOT_A_COLLABORATOR", "Not a collaborator on this document", nil
	case errors.Is(err, gitrepo.ErrNoHistory):
		return http.StatusNotFound, "NO_HISTORY", "Document has no saved history", nil
	case errors.Is(err, blob.ErrObjectNotFound):
		return http.StatusNotFound, "SNAPSHOT_NOT_FOUND", "Snapshot not found", nil
	case errors.Is(err, collab.ErrRoomNotOpen):
		return http.StatusNotFound, "ROOM_NOT_OPEN", "Room is not open", nil
	case errors.Is(err, collab.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil
	case errors.Is(err, collab.ErrRoomDraining):
		return http.StatusServiceUnavailable, "ROOM_DRAINING", "Document is still saving, retry shortly", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// closeCode names the reason a live connection ended.
func closeCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrSlowConsumer):
		return "SLOW_CONSUMER"
	case errors.Is(err, collab.ErrClientReplaced):
		return "CLIENT_REPLACED"
	case errors.Is(err, collab.ErrRoomClosed), errors.Is(err, collab.ErrRegistryClosed):
		return "ROOM_CLOSED"
	default:
		return "SERVER_ERROR"
	}
}
